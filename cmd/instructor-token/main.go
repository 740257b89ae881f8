package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"rollcall/internal/auth"
	"rollcall/internal/config"
)

// instructor-token prints a signed instructor bearer token using the
// service's JWT configuration.
func main() {
	os.Exit(run(os.Args[1:], config.Load(), os.Stdout, os.Stderr))
}

func run(args []string, cfg config.App, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("instructor-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("sub", "", "instructor identifier (required)")
	ttl := fs.Duration("ttl", cfg.AccessTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		fs.Usage()
		return 2
	}

	tok, err := auth.IssueAccess(*subject, auth.RoleInstructor, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "issue token: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tok); err != nil {
		fmt.Fprintf(stderr, "write token: %v\n", err)
		return 1
	}
	return 0
}
