package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunCLIHelpAndVersion(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "Usage: prepcoach"},
		{[]string{"help"}, "Usage: prepcoach"},
		{[]string{"-h"}, "update-profile"},
		{[]string{"version"}, "prepcoach v" + version},
		{[]string{"--version"}, "prepcoach v" + version},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		if err := runCLI(tt.args, &out); err != nil {
			t.Fatalf("runCLI(%v) error: %v", tt.args, err)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("runCLI(%v) output = %q, want it to contain %q", tt.args, out.String(), tt.want)
		}
	}
}

func TestRunCLIRejectsBadInvocations(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command: frobnicate"},
		{[]string{"session"}, "usage: prepcoach session <session-id>"},
		{[]string{"pin", "q1"}, "usage: prepcoach pin <question-id> <session-id>"},
		{[]string{"create", "SRE", "3"}, "usage: prepcoach create"},
	}

	for _, tt := range tests {
		err := runCLI(tt.args, &bytes.Buffer{})
		if err == nil {
			t.Fatalf("runCLI(%v) expected error", tt.args)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("runCLI(%v) error = %q, want it to contain %q", tt.args, err.Error(), tt.want)
		}
	}
}

func TestRunCLIRequiresCredentials(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PREP_CONFIG", "")
	t.Setenv("PREP_API_SESSION_COOKIE", "")
	t.Setenv("PREP_API_TOKEN", "")

	err := runCLI([]string{"sessions"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Errorf("expected not signed in error, got %v", err)
	}
}
