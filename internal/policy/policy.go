// Package policy decides which managed CLI subcommands a console user may
// pass through, and how long each may run.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Action represents the policy decision for a subcommand.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

func (a Action) String() string {
	return string(a)
}

func (a Action) valid() bool {
	return a == ActionAllow || a == ActionDeny
}

// Rule defines a single policy rule.
type Rule struct {
	Subcommand string        `yaml:"subcommand"` // glob matched against the first argument
	Action     Action        `yaml:"action"`
	Timeout    time.Duration `yaml:"timeout,omitempty"` // e.g. "30s", "5m"
	Reason     string        `yaml:"reason,omitempty"`
}

// Config is the top-level policy file.
type Config struct {
	DefaultAction Action `yaml:"default_action"`
	// DefaultTimeout applies to rules without their own timeout. Zero leaves
	// the executor's bound in force.
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`
	Rules          []Rule        `yaml:"rules"`
}

// Engine evaluates argument vectors against a set of rules.
type Engine struct {
	config Config
}

// Load reads a policy from a YAML file.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	engine, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return engine, nil
}

// Parse builds an Engine from YAML. A missing default action means deny.
func Parse(data []byte) (*Engine, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return New(config)
}

// New validates config and returns an Engine for it.
func New(config Config) (*Engine, error) {
	if config.DefaultAction == "" {
		config.DefaultAction = ActionDeny
	}
	if !config.DefaultAction.valid() {
		return nil, fmt.Errorf("invalid default_action %q", config.DefaultAction)
	}
	if config.DefaultTimeout < 0 {
		return nil, fmt.Errorf("default_timeout cannot be negative")
	}

	for i, rule := range config.Rules {
		if rule.Subcommand == "" {
			return nil, fmt.Errorf("rule %d: subcommand cannot be empty", i)
		}
		if !rule.Action.valid() {
			return nil, fmt.Errorf("rule %d (%s): invalid action %q", i, rule.Subcommand, rule.Action)
		}
		if rule.Timeout < 0 {
			return nil, fmt.Errorf("rule %d (%s): timeout cannot be negative", i, rule.Subcommand)
		}
	}

	return &Engine{config: config}, nil
}

// Default returns the built-in allow-list used when no policy file is
// configured: account and session management only.
func Default() *Engine {
	return &Engine{
		config: Config{
			DefaultAction: ActionDeny,
			Rules: []Rule{
				{Subcommand: "login", Action: ActionAllow},
				{Subcommand: "logout", Action: ActionAllow},
				{Subcommand: "version", Action: ActionAllow},
				{Subcommand: "account", Action: ActionAllow},
				{Subcommand: "status", Action: ActionAllow},
				{Subcommand: "help", Action: ActionAllow},
			},
		},
	}
}

// Decision is the outcome of evaluating an argument vector.
type Decision struct {
	Action  Action
	Timeout time.Duration // zero means the executor default
	Reason  string
	Rule    string // matching rule pattern, empty for the default action
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Evaluate checks args against the rules. The first matching rule wins.
func (pe *Engine) Evaluate(args []string) Decision {
	subcommand := ""
	if len(args) > 0 {
		subcommand = args[0]
	}

	for _, rule := range pe.config.Rules {
		if !matchSubcommand(rule.Subcommand, subcommand) {
			continue
		}

		timeout := rule.Timeout
		if timeout == 0 {
			timeout = pe.config.DefaultTimeout
		}
		return Decision{
			Action:  rule.Action,
			Timeout: timeout,
			Reason:  rule.Reason,
			Rule:    rule.Subcommand,
		}
	}

	return Decision{
		Action:  pe.config.DefaultAction,
		Timeout: pe.config.DefaultTimeout,
	}
}

// Rules returns a copy of the configured rules.
func (pe *Engine) Rules() []Rule {
	return append([]Rule(nil), pe.config.Rules...)
}

// DefaultAction returns the action applied when no rule matches.
func (pe *Engine) DefaultAction() Action {
	return pe.config.DefaultAction
}

// matchSubcommand checks a subcommand against a rule pattern.
// Supports exact match and simple glob patterns.
func matchSubcommand(pattern, subcommand string) bool {
	if pattern == "*" {
		return true
	}
	// Flags are never subcommands
	if subcommand == "" || strings.HasPrefix(subcommand, "-") {
		return false
	}

	matched, err := filepath.Match(pattern, subcommand)
	if err != nil {
		// Invalid pattern: fall back to exact match
		return strings.EqualFold(pattern, subcommand)
	}
	return matched
}

// Holder gives concurrent access to the active Engine and swaps it on
// reload.
type Holder struct {
	mu     sync.RWMutex
	engine *Engine
}

// NewHolder returns a Holder serving engine.
func NewHolder(engine *Engine) *Holder {
	if engine == nil {
		engine = Default()
	}
	return &Holder{engine: engine}
}

// Get returns the current engine.
func (h *Holder) Get() *Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine
}

// Set replaces the current engine.
func (h *Holder) Set(engine *Engine) {
	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
}

// Evaluate evaluates args against the current engine.
func (h *Holder) Evaluate(args []string) Decision {
	return h.Get().Evaluate(args)
}

// ReloadFrom loads path and swaps it in. On error the current engine stays
// active.
func (h *Holder) ReloadFrom(path string) error {
	engine, err := Load(path)
	if err != nil {
		return err
	}
	h.Set(engine)
	return nil
}
