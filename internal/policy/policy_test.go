package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testPolicy = `
default_action: deny
default_timeout: 2m
rules:
  - subcommand: login
    action: allow
    timeout: 10m
  - subcommand: "acc*"
    action: allow
  - subcommand: delete
    action: deny
    reason: destructive operations go through change control
  - subcommand: "*"
    action: deny
`

func TestParse(t *testing.T) {
	engine, err := Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if engine.DefaultAction() != ActionDeny {
		t.Errorf("DefaultAction = %s, want deny", engine.DefaultAction())
	}
	if got := len(engine.Rules()); got != 4 {
		t.Errorf("len(Rules) = %d, want 4", got)
	}
}

func TestParse_Defaults(t *testing.T) {
	engine, err := Parse([]byte("rules: []\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d := engine.Evaluate([]string{"login"})
	if d.Action != ActionDeny {
		t.Errorf("Action = %s, want deny by default", d.Action)
	}
	if d.Timeout != 0 {
		t.Errorf("Timeout = %s, want 0 (executor default)", d.Timeout)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "rules: [\n"},
		{"unknown default action", "default_action: ask\n"},
		{"unknown rule action", "rules:\n  - subcommand: login\n    action: maybe\n"},
		{"empty subcommand", "rules:\n  - action: allow\n"},
		{"bad duration", "default_timeout: soon\n"},
		{"negative timeout", "rules:\n  - subcommand: login\n    action: allow\n    timeout: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	engine, err := Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name        string
		args        []string
		wantAction  Action
		wantTimeout time.Duration
		wantRule    string
	}{
		{"rule timeout", []string{"login", "--device-code"}, ActionAllow, 10 * time.Minute, "login"},
		{"glob match uses default timeout", []string{"account", "show"}, ActionAllow, 2 * time.Minute, "acc*"},
		{"explicit deny", []string{"delete", "everything"}, ActionDeny, 2 * time.Minute, "delete"},
		{"catch-all", []string{"deploy"}, ActionDeny, 2 * time.Minute, "*"},
		{"flag first never matches a named rule", []string{"--help"}, ActionDeny, 2 * time.Minute, "*"},
		{"empty args", nil, ActionDeny, 2 * time.Minute, "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Evaluate(tt.args)
			if d.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", d.Action, tt.wantAction)
			}
			if d.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %s, want %s", d.Timeout, tt.wantTimeout)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("Rule = %q, want %q", d.Rule, tt.wantRule)
			}
		})
	}
}

func TestEvaluate_Reason(t *testing.T) {
	engine, err := Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	d := engine.Evaluate([]string{"delete"})
	if d.Allowed() {
		t.Fatal("delete should be denied")
	}
	if d.Reason == "" {
		t.Error("deny decision should carry the rule's reason")
	}
}

func TestDefault(t *testing.T) {
	engine := Default()

	for _, sub := range []string{"login", "logout", "version", "account", "status", "help"} {
		if !engine.Evaluate([]string{sub}).Allowed() {
			t.Errorf("default policy should allow %q", sub)
		}
	}
	for _, args := range [][]string{{"delete"}, {"exec", "rm"}, {}, {"--version"}} {
		if engine.Evaluate(args).Allowed() {
			t.Errorf("default policy should deny %v", args)
		}
	}
}

func TestMatchSubcommand(t *testing.T) {
	tests := []struct {
		pattern    string
		subcommand string
		want       bool
	}{
		{"login", "login", true},
		{"login", "logout", false},
		{"log*", "logout", true},
		{"*", "", true},
		{"*", "-x", true},
		{"acc*", "", false},
		{"[", "[", true}, // invalid glob falls back to exact match
	}

	for _, tt := range tests {
		if got := matchSubcommand(tt.pattern, tt.subcommand); got != tt.want {
			t.Errorf("matchSubcommand(%q, %q) = %t, want %t", tt.pattern, tt.subcommand, got, tt.want)
		}
	}
}

func TestHolder_ReloadFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	holder := NewHolder(nil)

	if holder.Evaluate([]string{"deploy"}).Allowed() {
		t.Fatal("nil engine should fall back to the built-in policy")
	}

	if err := os.WriteFile(path, []byte("default_action: deny\nrules:\n  - subcommand: deploy\n    action: allow\n"), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := holder.ReloadFrom(path); err != nil {
		t.Fatalf("ReloadFrom: %v", err)
	}
	if !holder.Evaluate([]string{"deploy"}).Allowed() {
		t.Error("reloaded policy should allow deploy")
	}

	// A broken file keeps the last good policy
	if err := os.WriteFile(path, []byte("default_action: bogus\n"), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := holder.ReloadFrom(path); err == nil {
		t.Error("expected error for invalid policy")
	}
	if !holder.Evaluate([]string{"deploy"}).Allowed() {
		t.Error("invalid reload replaced the active policy")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
