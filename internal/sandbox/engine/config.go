package engine

import "github.com/jjs-dev/invoker/internal/sandbox/security"

// ProfileResolver maps a task-profile reference to the isolation policy
// applied to its dominion (seccomp filter, network posture).
type ProfileResolver interface {
	Resolve(profile string) (security.IsolationProfile, error)
}

// Config tunes one engine instance.
type Config struct {
	CgroupRoot           string
	SeccompDir           string
	HelperPath           string
	StdoutStderrMaxBytes int64
	EnableSeccomp        bool
	EnableCgroup         bool
	EnableNamespaces     bool
}
