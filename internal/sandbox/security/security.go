// Package security describes the isolation policy applied to a sandboxed
// command: which seccomp profile gates its syscalls and whether it gets a
// network namespace.
package security

// IsolationProfile names the seccomp filter and network policy applied to
// one dominion, resolved from a toolchain/task-profile reference.
type IsolationProfile struct {
	Name           string
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
}
