package engine

import (
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
)

// initRequest is the JSON payload sent to the sandbox-init helper on its
// stdin: the command to exec plus the isolation knobs it must apply before
// doing so.
type initRequest struct {
	Command       spec.Command
	RootDir       string
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
	CPUTimeMs     int64
	PIDs          int64
}
