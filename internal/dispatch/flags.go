package dispatch

import "strings"

// LoginOptions selects how the managed CLI authenticates. Boolean options
// map to bare flags; Username and Password map to credential flags with a
// value.
type LoginOptions struct {
	DeviceCode       bool   `json:"device_code"`
	Interactive      bool   `json:"interactive"`
	ManagedIdentity  bool   `json:"managed_identity"`
	ServicePrincipal bool   `json:"service_principal"`
	Refresh          bool   `json:"refresh"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Elevate          bool   `json:"elevate"`
}

// FlagTable names the managed CLI flag for each login option. Flags are
// emitted in field order.
type FlagTable struct {
	DeviceCode       string
	Interactive      string
	ManagedIdentity  string
	ServicePrincipal string
	Refresh          string
	Username         string
	Password         string
}

// LongCredentialFlags is the flag table for CLI builds using long-form
// credential flags.
var LongCredentialFlags = FlagTable{
	DeviceCode:       "--device-code",
	Interactive:      "--interactive",
	ManagedIdentity:  "--managed-identity",
	ServicePrincipal: "--service-principal",
	Refresh:          "--refresh",
	Username:         "--username",
	Password:         "--password",
}

// ShortCredentialFlags is the flag table for CLI builds that only accept
// -u and -p.
var ShortCredentialFlags = FlagTable{
	DeviceCode:       "--device-code",
	Interactive:      "--interactive",
	ManagedIdentity:  "--managed-identity",
	ServicePrincipal: "--service-principal",
	Refresh:          "--refresh",
	Username:         "-u",
	Password:         "-p",
}

// FlagTableByName resolves a configured flag style.
func FlagTableByName(name string) (FlagTable, bool) {
	switch strings.ToLower(name) {
	case "", "long":
		return LongCredentialFlags, true
	case "short":
		return ShortCredentialFlags, true
	}
	return FlagTable{}, false
}

// LoginArgs builds the argument vector for a login request.
func (ft FlagTable) LoginArgs(opts LoginOptions) []string {
	args := []string{"login"}

	switches := []struct {
		on   bool
		flag string
	}{
		{opts.DeviceCode, ft.DeviceCode},
		{opts.Interactive, ft.Interactive},
		{opts.ManagedIdentity, ft.ManagedIdentity},
		{opts.ServicePrincipal, ft.ServicePrincipal},
		{opts.Refresh, ft.Refresh},
	}
	for _, s := range switches {
		if s.on {
			args = append(args, s.flag)
		}
	}

	if opts.Username != "" {
		args = append(args, ft.Username, opts.Username)
	}
	if opts.Password != "" {
		args = append(args, ft.Password, opts.Password)
	}

	return args
}

const redacted = "********"

// secretFlags are flags whose value never appears in logs or the audit
// trail, whatever the configured flag table.
var secretFlags = map[string]bool{
	"--password":      true,
	"-p":              true,
	"--client-secret": true,
	"--secret":        true,
}

// Redact returns a copy of args with secret flag values masked. Both
// "--password value" and "--password=value" forms are handled.
func (ft FlagTable) Redact(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)

	isSecret := func(flag string) bool {
		return secretFlags[flag] || flag == ft.Password
	}

	for i := 0; i < len(out); i++ {
		if flag, _, ok := strings.Cut(out[i], "="); ok && strings.HasPrefix(flag, "-") && isSecret(flag) {
			out[i] = flag + "=" + redacted
			continue
		}
		if isSecret(out[i]) && i+1 < len(out) {
			out[i+1] = redacted
			i++
		}
	}
	return out
}
