// Package enforce is the decision point for outbound requests issued by
// extensions. Every request passes through Enforce, which evaluates the
// extension's effective policy in a fixed order and emits exactly one audit
// record per call.
package enforce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skillgate/skillgate/internal/netpolicy"
	"github.com/skillgate/skillgate/pkg/types"
)

// Sink receives the audit record for each Enforce call. Implementations must
// not block: the append sits on the decision path.
type Sink interface {
	Record(ctx context.Context, rec types.AuditRecord)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec types.AuditRecord)

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, rec types.AuditRecord) { f(ctx, rec) }

// Enforcer evaluates outbound requests against the policy store. It is safe
// for concurrent use; each call reads one immutable store snapshot.
type Enforcer struct {
	store    *netpolicy.Store
	resolver *Resolver
	sink     Sink
	log      *slog.Logger
}

// New builds an Enforcer. sink may be nil (decisions are not recorded), log
// may be nil (discards).
func New(store *netpolicy.Store, resolver *Resolver, sink Sink, log *slog.Logger) *Enforcer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Enforcer{store: store, resolver: resolver, sink: sink, log: log}
}

// Enforce evaluates one outbound request and records the decision. Denied
// decisions carry a Violation; Enforce itself never returns an error.
func (e *Enforcer) Enforce(ctx context.Context, extensionID, rawURL, method string) types.Decision {
	d := e.evaluate(ctx, extensionID, rawURL)
	e.record(ctx, extensionID, rawURL, method, d)
	return d
}

// Test runs the same evaluation as Enforce without recording anything.
// Resolution still happens, so a dry run warms the DNS cache.
func (e *Enforcer) Test(ctx context.Context, extensionID, rawURL string) types.Decision {
	return e.evaluate(ctx, extensionID, rawURL)
}

func (e *Enforcer) record(ctx context.Context, extensionID, rawURL, method string, d types.Decision) {
	if e.sink == nil {
		return
	}
	e.sink.Record(ctx, types.AuditRecord{
		ID:          uuid.NewString(),
		ExtensionID: extensionID,
		URL:         rawURL,
		Method:      method,
		Allowed:     d.Allowed,
		MatchedRule: d.MatchedRule,
		Reason:      d.Reason,
		ResolvedIPs: d.ResolvedIPs,
		TimestampMs: time.Now().UnixMilli(),
	})
}

func (e *Enforcer) evaluate(ctx context.Context, extensionID, rawURL string) types.Decision {
	cp, ok := e.store.Effective(extensionID)
	if !ok {
		// No policy configured is not an error: enforcement is opt-in per
		// extension, and the bypass is visible in the audit log.
		return allow("no policy configured", "")
	}
	pol := &cp.Policy
	if !pol.Enabled {
		return allow("policy disabled", "")
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return e.deny(extensionID, rawURL, "invalid URL", "", nil)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return e.deny(extensionID, rawURL, "invalid URL", "", nil)
	}

	if !pol.Protocols.Permits(scheme) {
		return e.deny(extensionID, rawURL, fmt.Sprintf("protocol %q not permitted", scheme), protocolRule(pol), nil)
	}

	port, ok := requestPort(u, scheme)
	if !ok {
		return e.deny(extensionID, rawURL, "invalid port", "", nil)
	}

	var resolved []string

	if addr, err := netip.ParseAddr(host); err == nil {
		// IP-literal target: no DNS; the literal itself is checked.
		addr = addr.Unmap()
		resolved = []string{addr.String()}

		if p, ok := cp.BlockMatchIP(addr); ok {
			return e.deny(extensionID, rawURL, fmt.Sprintf("address %s blocked", addr), blockRule(p.Raw()), resolved)
		}
		if pol.Mode == netpolicy.ModeAllowlist {
			p, ok := cp.AllowMatchIP(addr)
			if !ok {
				return e.deny(extensionID, rawURL, fmt.Sprintf("address %s not in allowlist", addr), "allowlist default deny", resolved)
			}
			return e.finishAllowed(extensionID, rawURL, pol, port, allowRule(p.Raw()), resolved)
		}
		return e.finishAllowed(extensionID, rawURL, pol, port, "blocklist default allow", resolved)
	}

	// Hostname target: domain level first. In allowlist mode the allow set
	// is a union: a request passes when its hostname matches an allow
	// pattern, or failing that when every resolved address does.
	if p, ok := cp.BlockMatchDomain(host); ok {
		return e.deny(extensionID, rawURL, fmt.Sprintf("domain %q blocked", host), blockRule(p.Raw()), nil)
	}
	matchedRule := "blocklist default allow"
	domainAllowed := false
	if pol.Mode == netpolicy.ModeAllowlist {
		if p, ok := cp.AllowMatchDomain(host); ok {
			domainAllowed = true
			matchedRule = allowRule(p.Raw())
		}
	}

	// Fail closed on resolution failure: an unresolvable name is denied, it
	// is never let through unchecked.
	addrs, err := e.resolver.Resolve(ctx, host)
	if err != nil {
		e.log.Warn("dns resolution failed", "extension_id", extensionID, "host", host, "error", err)
		return e.deny(extensionID, rawURL, "DNS resolution failed", "", nil)
	}
	resolved = make([]string, 0, len(addrs))
	for _, a := range addrs {
		resolved = append(resolved, a.String())
	}

	// Every resolved address must pass, so a multi-homed name cannot smuggle
	// one bad address past the check.
	for _, a := range addrs {
		if p, ok := cp.BlockMatchIP(a); ok {
			return e.deny(extensionID, rawURL, fmt.Sprintf("resolved address %s blocked", a), blockRule(p.Raw()), resolved)
		}
		if pol.Mode == netpolicy.ModeAllowlist && !domainAllowed {
			p, ok := cp.AllowMatchIP(a)
			if !ok {
				return e.deny(extensionID, rawURL, fmt.Sprintf("resolved address %s not in allowlist", a), "allowlist default deny", resolved)
			}
			matchedRule = allowRule(p.Raw())
		}
	}

	return e.finishAllowed(extensionID, rawURL, pol, port, matchedRule, resolved)
}

// finishAllowed applies the port check, the last gate before an allow.
func (e *Enforcer) finishAllowed(extensionID, rawURL string, pol *netpolicy.NetworkPolicy, port int, matchedRule string, resolved []string) types.Decision {
	if !pol.Ports.Permits(port) {
		return e.deny(extensionID, rawURL, fmt.Sprintf("port %d not permitted", port), portRule(pol), resolved)
	}
	d := allow("allowed", matchedRule)
	d.ResolvedIPs = resolved
	return d
}

func allow(reason, matchedRule string) types.Decision {
	return types.Decision{Allowed: true, Reason: reason, MatchedRule: matchedRule}
}

func (e *Enforcer) deny(extensionID, rawURL, reason, matchedRule string, resolved []string) types.Decision {
	return types.Decision{
		Allowed:     false,
		Reason:      reason,
		MatchedRule: matchedRule,
		ResolvedIPs: resolved,
		Violation: &types.Violation{
			ExtensionID: extensionID,
			URL:         rawURL,
			Reason:      reason,
		},
	}
}

func allowRule(raw string) string { return fmt.Sprintf("allow pattern %q", raw) }
func blockRule(raw string) string { return fmt.Sprintf("block pattern %q", raw) }

func protocolRule(pol *netpolicy.NetworkPolicy) string {
	if pol.Protocols == nil {
		return ""
	}
	return "protocol rules"
}

func portRule(pol *netpolicy.NetworkPolicy) string {
	if pol.Ports == nil {
		return ""
	}
	return "port rules"
}

// requestPort returns the effective destination port: the explicit URL port
// when present, otherwise the scheme default. Unknown schemes with no
// explicit port get port 0, which only matters when port rules exist.
func requestPort(u *url.URL, scheme string) (int, bool) {
	if ps := u.Port(); ps != "" {
		p, err := strconv.Atoi(ps)
		if err != nil || p < 1 || p > 65535 {
			return 0, false
		}
		return p, true
	}
	switch scheme {
	case "http", "ws":
		return 80, true
	case "https", "wss":
		return 443, true
	default:
		return 0, true
	}
}
