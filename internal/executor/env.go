package executor

import (
	"strings"

	"mooconsole/internal/isolation"
)

// Environment variable controls for the nested shell launcher.
// The console's own secrets must never reach the managed CLI.

// envAllowlist contains host variables that are safe to pass through.
var envAllowlist = map[string]bool{
	"PATH":        true,
	"LANG":        true,
	"LANGUAGE":    true,
	"LC_ALL":      true,
	"TERM":        true,
	"TZ":          true,
	"SYSTEMROOT":  true, // required by wsl.exe
	"WSLENV":      true,
	"HTTP_PROXY":  true,
	"HTTPS_PROXY": true,
	"NO_PROXY":    true,
}

// envBlocklist contains variables that must NEVER be passed through,
// even if they appear in the allowlist.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":             true,
	"LD_LIBRARY_PATH":        true,
	"DOCKER_HOST":            true,
	"MOO_ELEVATION_PASSWORD": true,
	"AWS_ACCESS_KEY_ID":      true,
	"AWS_SECRET_ACCESS_KEY":  true,
}

// ScrubEnvironment filters environment variables through the allowlist
// and blocklist.
func ScrubEnvironment(env []string) []string {
	scrubbed := make([]string, 0, len(env))

	for _, entry := range env {
		key := envKey(entry)

		if envBlocklist[key] {
			continue
		}

		if envAllowlist[key] {
			scrubbed = append(scrubbed, entry)
		}
	}

	return scrubbed
}

// contextEnv returns the overrides that point the managed CLI's home,
// configuration and cache state at the user's isolation context.
// translate maps host paths to nested-environment paths.
func contextEnv(ctx isolation.Context, translate func(string) string) []string {
	return []string{
		"HOME=" + translate(ctx.Root),
		"XDG_CONFIG_HOME=" + translate(ctx.ConfigDir),
		"XDG_CACHE_HOME=" + translate(ctx.CacheDir),
		"MOO_CONFIG_DIR=" + translate(ctx.ConfigDir),
	}
}

// mergeEnv applies overrides on top of base; later keys win.
func mergeEnv(base, overrides []string) []string {
	override := make(map[string]bool, len(overrides))
	for _, kv := range overrides {
		override[envKey(kv)] = true
	}

	merged := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		if !override[envKey(kv)] {
			merged = append(merged, kv)
		}
	}
	return append(merged, overrides...)
}

// envKey extracts the key from a "KEY=VALUE" environment entry.
func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

func identity(p string) string { return p }
