package shared

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		name, in, want string
		gone           string
	}{
		{name: "bearer", in: "Bearer abc123def456ghi789jkl0", want: "Bearer [REDACTED]"},
		{name: "api key", in: "api_key=abcdef1234567890abcdef", want: "api_key=[REDACTED]"},
		{
			name: "protocol secret",
			in:   `{"protocol":"graph","command":"clear","payload":{"id":"g1","secret":"hunter2"}}`,
			want: `{"protocol":"graph","command":"clear","payload":{"id":"g1","secret":[REDACTED]}}`,
		},
		{name: "uuid token", in: "token=0f8fad5b-d9cb-469f-a165-70867728950e now", gone: "0f8fad5b"},
		{name: "short values kept", in: "api_key=short", want: "api_key=short"},
		{name: "plain", in: "network main started", want: "network main started"},
		{name: "empty", in: "", want: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Redact(c.in)
			if c.gone != "" {
				if strings.Contains(got, c.gone) || !strings.Contains(got, redactedPlaceholder) {
					t.Fatalf("Redact(%q) = %q", c.in, got)
				}
				return
			}
			if got != c.want {
				t.Fatalf("Redact(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for key, want := range map[string]bool{
		"secret":            true,
		"FLOWRT_AUTH_TOKEN": true,
		"Authorization":     true,
		"db_password":       true,
		"graph":             false,
		"bind_addr":         false,
		" ":                 false,
	} {
		if got := IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestWithoutSecret(t *testing.T) {
	in := map[string]any{"graph": "g1", "secret": "s"}
	out := WithoutSecret(in)
	if _, ok := out["secret"]; ok {
		t.Fatalf("secret still present: %#v", out)
	}
	if out["graph"] != "g1" {
		t.Fatalf("graph = %#v", out["graph"])
	}
	if _, ok := in["secret"]; !ok {
		t.Fatal("input map was modified")
	}
	if WithoutSecret(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
}
