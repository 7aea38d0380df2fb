// Package permission decides whether the platform lets the app use
// Bluetooth. Grants are requested per capability tier and every denial is
// reported as false plus a diagnostic entry, never as a failure.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/meterlink/internal/diag"
)

// Permission names a platform grant.
type Permission string

const (
	LocationCoarse   Permission = "location.coarse"
	LocationFine     Permission = "location.fine"
	BluetoothScan    Permission = "bluetooth.scan"
	BluetoothConnect Permission = "bluetooth.connect"
)

// Tier is a platform capability tier.
type Tier string

const (
	// TierLegacy platforms gate BLE scanning behind coarse location only.
	TierLegacy Tier = "legacy"
	// TierModern platforms need explicit scan and connect grants plus fine
	// location.
	TierModern Tier = "modern"
)

// ParseTier converts a config string.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierLegacy, TierModern:
		return t, nil
	default:
		return "", fmt.Errorf("permission: unknown tier %q", s)
	}
}

// Required returns the grants BLE use needs on this tier.
func (t Tier) Required() []Permission {
	if t == TierLegacy {
		return []Permission{LocationCoarse}
	}
	return []Permission{BluetoothScan, BluetoothConnect, LocationFine}
}

// ErrDenied is wrapped by requesters when a grant is refused.
var ErrDenied = errors.New("permission: denied")

// Requester asks the platform for a single grant. A nil error means granted.
type Requester interface {
	Request(ctx context.Context, p Permission) error
}

// Options configures a Gatekeeper.
type Options struct {
	Tier Tier
	// RuntimeGrants is set on platforms that require grants at runtime.
	// Without it every check passes without asking.
	RuntimeGrants bool
	// CheckOnWrite re-checks grants before every characteristic write.
	CheckOnWrite bool
	Logger       *slog.Logger
}

// Gatekeeper checks platform grants before BLE operations.
type Gatekeeper struct {
	opts Options
	req  Requester
	log  *diag.Log
}

// New creates a Gatekeeper. log may be nil.
func New(opts Options, req Requester, log *diag.Log) *Gatekeeper {
	if opts.Tier == "" {
		opts.Tier = TierModern
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gatekeeper{opts: opts, req: req, log: log}
}

// EnsureBLEPermissions requests every grant the tier requires, in order, and
// stops at the first denial. It returns false on denial or requester failure.
func (g *Gatekeeper) EnsureBLEPermissions(ctx context.Context) bool {
	if !g.opts.RuntimeGrants {
		return true
	}
	for _, p := range g.opts.Tier.Required() {
		if !g.Allowed(ctx, p) {
			return false
		}
	}
	return true
}

// RequiresWriteCheck reports whether writes must re-check grants.
func (g *Gatekeeper) RequiresWriteCheck() bool {
	return g.opts.RuntimeGrants && g.opts.CheckOnWrite
}

// Allowed checks a single grant.
func (g *Gatekeeper) Allowed(ctx context.Context, p Permission) bool {
	if !g.opts.RuntimeGrants {
		return true
	}
	if g.req == nil {
		g.deny(p, errors.New("no permission requester configured"))
		return false
	}
	if err := g.req.Request(ctx, p); err != nil {
		g.deny(p, err)
		return false
	}
	return true
}

func (g *Gatekeeper) deny(p Permission, reason error) {
	g.opts.Logger.Warn("[PERM] permission denied", "permission", string(p), "tier", string(g.opts.Tier), "error", reason)
	if g.log != nil {
		g.log.Appendf(diag.OriginSystem, "Permission %s denied: %v", p, reason)
	}
}
