package sandbox

// CapabilityFS and CapabilityNetwork are the two capability flags a bundle
// manifest can declare; every other module stays denied regardless of
// capability.
const (
	CapabilityFS      = "fs"
	CapabilityNetwork = "network"
)

// HasCapability reports whether caps contains name.
func HasCapability(caps []string, name string) bool {
	for _, c := range caps {
		if c == name {
			return true
		}
	}
	return false
}

// baseAllowedModules are importable by every bundle regardless of granted
// capabilities. Kept here (rather than only in the harness scripts) so
// tests can assert the Go-side contract the harnesses are expected to
// enforce.
var baseAllowedModules = []string{
	"path", "url", "util", "events", "assert", "buffer", "stream",
	"string_decoder", "timers", "perf_hooks", "async_hooks",
	"diagnostics_channel", "console", "os", "crypto",
}

// fsModules are additionally allowed when CapabilityFS is granted.
var fsModules = []string{"fs", "fs/promises", "zlib"}

// networkModules are additionally allowed when CapabilityNetwork is granted.
var networkModules = []string{"http", "https", "net", "tls", "dns", "dgram"}

// deniedModules are never importable, capability or not: process-control
// and code-loading surfaces that would let a handler escape the sandbox.
var deniedModules = []string{
	"child_process", "cluster", "vm", "worker_threads", "repl", "module",
	"readline", "inspector",
}

// AllowedModules returns the full module allow-list for a bundle granted
// the given capabilities.
func AllowedModules(caps []string) []string {
	out := append([]string(nil), baseAllowedModules...)
	if HasCapability(caps, CapabilityFS) {
		out = append(out, fsModules...)
	}
	if HasCapability(caps, CapabilityNetwork) {
		out = append(out, networkModules...)
	}
	return out
}

// IsModuleDenied reports whether name is on the hard-denied list.
func IsModuleDenied(name string) bool {
	for _, m := range deniedModules {
		if m == name {
			return true
		}
	}
	return false
}
