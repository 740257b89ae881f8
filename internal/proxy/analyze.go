package proxy

import (
	"sort"

	"rollcall/internal/model"
)

// Group lists the students whose records share one address or fingerprint.
type Group struct {
	Value    string          `json:"value"`
	Students []model.Student `json:"students"`
}

// Analysis is the after-the-fact review of a session's attendance.
type Analysis struct {
	SharedAddresses    []Group `json:"shared_addresses"`
	SharedFingerprints []Group `json:"shared_fingerprints"`
	// Correlated is false when no record carries an address or fingerprint.
	Correlated bool `json:"correlated"`
}

// Suspicious reports whether any signal is shared by more than one record.
func (a Analysis) Suspicious() bool {
	return len(a.SharedAddresses) > 0 || len(a.SharedFingerprints) > 0
}

// Analyze groups records by address and by fingerprint and keeps the groups
// holding more than one record. Unknown addresses and empty fingerprints
// are never grouped. Groups are ordered by value, students by submission order.
func Analyze(records []model.Record) Analysis {
	byAddress := map[string][]model.Student{}
	byFingerprint := map[string][]model.Student{}
	var a Analysis

	for _, r := range records {
		student := model.Student{ID: r.StudentID, Name: r.StudentName}
		if r.IPAddress != "" && r.IPAddress != UnknownAddress {
			byAddress[r.IPAddress] = append(byAddress[r.IPAddress], student)
			a.Correlated = true
		}
		if r.Fingerprint != "" {
			byFingerprint[r.Fingerprint] = append(byFingerprint[r.Fingerprint], student)
			a.Correlated = true
		}
	}

	a.SharedAddresses = shared(byAddress)
	a.SharedFingerprints = shared(byFingerprint)
	return a
}

func shared(groups map[string][]model.Student) []Group {
	out := []Group{}
	for value, students := range groups {
		if len(students) > 1 {
			out = append(out, Group{Value: value, Students: students})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
