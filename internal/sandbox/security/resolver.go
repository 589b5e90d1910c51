package security

import appErr "github.com/jjs-dev/invoker/pkg/errors"

// StaticResolver resolves a toolchain/task-profile reference to an
// IsolationProfile from a fixed, config-loaded table, falling back to
// Default when ref has no specific entry. Grounded on the teacher's
// profile.LanguageSpec/TaskProfile tables (services/judge_service/internal
// /sandbox/profile, internal/judge/sandbox/profile/task.go), which are
// likewise flat maps from a language/task key to sandbox policy fields --
// generalized here to the single field set this project's dominions need
// (seccomp profile name, network posture), keyed by the opaque profile ref
// the pipeline already threads through (req.ToolchainRef).
type StaticResolver struct {
	Profiles map[string]IsolationProfile
	Default  IsolationProfile
}

// NewStaticResolver builds a StaticResolver from profiles, applying def
// whenever a ref has no specific entry.
func NewStaticResolver(profiles map[string]IsolationProfile, def IsolationProfile) *StaticResolver {
	if profiles == nil {
		profiles = make(map[string]IsolationProfile)
	}
	return &StaticResolver{Profiles: profiles, Default: def}
}

// Resolve satisfies both engine.ProfileResolver and pipeline.ProfileResolver,
// which share this exact signature.
func (r *StaticResolver) Resolve(ref string) (IsolationProfile, error) {
	if p, ok := r.Profiles[ref]; ok {
		return p, nil
	}
	if r.Default.SeccompProfile == "" && r.Default.Name == "" {
		return IsolationProfile{}, appErr.New(appErr.BadConfig).WithMessagef("no isolation profile for %q and no default configured", ref)
	}
	return r.Default, nil
}
