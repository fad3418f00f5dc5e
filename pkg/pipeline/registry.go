package pipeline

import (
	"context"
	"errors"

	"tbc/pkg/registry"
	"tbc/pkg/session"
	"tbc/pkg/tgp"
)

// RegistryChecker resolves the session's merchant profile hash against the
// external registry. It runs first: every later layer reads the resolved
// profile from the pipeline context. Admission pins the resolved profile and
// snapshot version on the session; every later message is served from that
// pinned copy, so a profile rotated under the same hash can never change
// what the session is judged against mid-flight.
type RegistryChecker struct {
	Resolver registry.Resolver
}

func (c *RegistryChecker) Name() string { return "registry" }

func (c *RegistryChecker) Check(ctx context.Context, pctx *Context, s *session.Session, msg tgp.Message) error {
	if s.Profile != nil {
		pctx.Profile = *s.Profile
		pctx.RegistryVersion = s.RegistryVersion
		return nil
	}
	profile, version, err := c.Resolver.Resolve(ctx, s.MerchantProfileHash)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return Fail(tgp.ReasonUnknownMerchant, "profile %q not in registry", s.MerchantProfileHash)
	case err != nil:
		return Fail(tgp.ReasonSystemUnavailable, "registry resolve: %v", err)
	}
	if s.RegistryVersion != "" && version != s.RegistryVersion {
		// The session pinned a version but lost its profile copy (warm
		// restart). Re-resolving against a rotated snapshot fails closed.
		return Fail(tgp.ReasonSystemUnavailable, "registry snapshot %s rotated to %s since admission", s.RegistryVersion, version)
	}
	pctx.Profile = profile
	pctx.RegistryVersion = version
	pinned := profile
	s.Profile = &pinned
	s.RegistryVersion = version
	return nil
}
