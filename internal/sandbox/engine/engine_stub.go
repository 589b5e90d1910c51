//go:build !linux

package engine

import (
	"context"

	appErr "github.com/jjs-dev/invoker/pkg/errors"
	"github.com/jjs-dev/invoker/internal/sandbox/security"
	"github.com/jjs-dev/invoker/internal/sandbox/spec"
)

type stubEngine struct{}

// NewEngine on non-Linux platforms reports SandboxSetup for every create
// call: cgroups, namespaces and chroot are Linux-only, and there is no
// portable equivalent worth faking.
func NewEngine(cfg Config, resolver ProfileResolver) (Engine, error) {
	return &stubEngine{}, nil
}

func (e *stubEngine) Create(ctx context.Context, opts spec.DominionOptions, isolation security.IsolationProfile) (Dominion, error) {
	return nil, appErr.New(appErr.SandboxSetup).WithMessage("sandbox engine requires linux")
}
