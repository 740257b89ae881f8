// Package fingerprint derives a pseudo-identity for the submitting device.
//
// The hash is a deterrent signal only: identical hardware and software images
// produce identical fingerprints, and every attribute can be spoofed by the
// client.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf16"

	ua "github.com/mileusna/useragent"
)

const userAgentLimit = 100

// Signals are the environment attributes reported by the student's browser.
type Signals struct {
	Screen              string   `json:"screen"`
	Timezone            string   `json:"timezone"`
	Language            string   `json:"language"`
	Platform            string   `json:"platform"`
	Canvas              string   `json:"canvas"`
	UserAgent           string   `json:"user_agent"`
	CookiesEnabled      bool     `json:"cookies_enabled"`
	DoNotTrack          *string  `json:"do_not_track"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	DeviceMemory        *float64 `json:"device_memory"`
}

// record fixes the serialization order of the hashed attributes.
type record struct {
	Screen              string  `json:"screen"`
	Timezone            string  `json:"timezone"`
	Language            string  `json:"language"`
	Platform            string  `json:"platform"`
	Canvas              string  `json:"canvas"`
	UserAgent           string  `json:"userAgent"`
	CookiesEnabled      bool    `json:"cookiesEnabled"`
	DoNotTrack          *string `json:"doNotTrack"`
	HardwareConcurrency int     `json:"hardwareConcurrency"`
	DeviceMemory        any     `json:"deviceMemory"`
}

// Extract reduces the signals to a 32-bit hash rendered in hex. The hashed
// text matches what a browser's JSON.stringify produces for the same record,
// so a client can compute the fingerprint itself. Strings are expected to be
// valid UTF-8, as they are once decoded from a JSON request body.
func Extract(s Signals) string {
	rec := record{
		Screen:              s.Screen,
		Timezone:            s.Timezone,
		Language:            s.Language,
		Platform:            s.Platform,
		Canvas:              s.Canvas,
		UserAgent:           truncate(s.UserAgent, userAgentLimit),
		CookiesEnabled:      s.CookiesEnabled,
		DoNotTrack:          s.DoNotTrack,
		HardwareConcurrency: s.HardwareConcurrency,
		DeviceMemory:        "unknown",
	}
	if s.DeviceMemory != nil {
		rec.DeviceMemory = *s.DeviceMemory
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		// only reachable with non-finite device memory
		rec.DeviceMemory = "unknown"
		buf.Reset()
		_ = enc.Encode(rec)
	}
	return hash32(unescapeSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))))
}

// unescapeSeparators undoes encoding/json's escaping of U+2028 and U+2029,
// which JSON.stringify emits verbatim. Escape pairs are consumed whole so an
// escaped backslash followed by "u2028" text is left alone.
func unescapeSeparators(b []byte) string {
	var out strings.Builder
	out.Grow(len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out.WriteByte(b[i])
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "2028":
				out.WriteRune('\u2028')
				i += 5
				continue
			case "2029":
				out.WriteRune('\u2029')
				i += 5
				continue
			}
		}
		out.WriteByte(b[i])
		out.WriteByte(b[i+1])
		i++
	}
	return out.String()
}

// FromRequest fingerprints the reported signals, filling the user agent from
// the request header and the platform from the parsed user agent when the
// client left them out. Nil signals yield an empty fingerprint.
func FromRequest(s *Signals, userAgent string) string {
	if s == nil {
		return ""
	}
	sig := *s
	if sig.UserAgent == "" {
		sig.UserAgent = userAgent
	}
	if sig.Platform == "" && sig.UserAgent != "" {
		sig.Platform = ua.Parse(sig.UserAgent).OS
	}
	return Extract(sig)
}

// Describe renders a short "Browser on OS" label for logs.
func Describe(userAgent string) string {
	if userAgent == "" {
		return "unknown device"
	}
	parsed := ua.Parse(userAgent)
	browser, os := parsed.Name, parsed.OS
	if browser == "" {
		browser = "Unknown Browser"
	}
	if os == "" {
		os = "Unknown OS"
	}
	label := browser + " on " + os
	switch {
	case parsed.Mobile:
		label += " (mobile)"
	case parsed.Tablet:
		label += " (tablet)"
	}
	return label
}

// hash32 is the 31-multiplier string hash over UTF-16 code units with 32-bit
// wraparound, returned as the hex of its absolute value.
func hash32(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 16)
}

func truncate(s string, n int) string {
	units := utf16.Encode([]rune(s))
	if len(units) <= n {
		return s
	}
	return string(utf16.Decode(units[:n]))
}
