// Package metrics provides a minimal Prometheus-compatible exporter for
// enforcement decisions and DNS cache behavior.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector counts enforcement decisions. All methods are safe on a nil
// receiver so callers can run without metrics wired.
type Collector struct {
	startedAt time.Time

	decisionsTotal atomic.Uint64
	allowedTotal   atomic.Uint64
	deniedTotal    atomic.Uint64
	byExtension    sync.Map // string -> *extensionCounters
}

type extensionCounters struct {
	allowed atomic.Uint64
	denied  atomic.Uint64
}

// New returns an empty collector.
func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncDecision counts one enforcement decision.
func (c *Collector) IncDecision(extensionID string, allowed bool) {
	if c == nil {
		return
	}
	c.decisionsTotal.Add(1)
	if allowed {
		c.allowedTotal.Add(1)
	} else {
		c.deniedTotal.Add(1)
	}
	if extensionID == "" {
		extensionID = "unknown"
	}
	ptr, _ := c.byExtension.LoadOrStore(extensionID, &extensionCounters{})
	ec := ptr.(*extensionCounters)
	if allowed {
		ec.allowed.Add(1)
	} else {
		ec.denied.Add(1)
	}
}

// HandlerOptions supplies live gauges sampled at scrape time.
type HandlerOptions struct {
	PolicyCount  func() int
	DNSCacheLen  func() int
	DNSStats     func() (hits, misses, evictions uint64)
	DroppedCount func() int64
}

// Handler serves the Prometheus text exposition format.
func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP skillgate_up Whether the skillgate server is running.\n")
		fmt.Fprint(w, "# TYPE skillgate_up gauge\n")
		fmt.Fprint(w, "skillgate_up 1\n")

		fmt.Fprint(w, "# HELP skillgate_decisions_total Total enforcement decisions.\n")
		fmt.Fprint(w, "# TYPE skillgate_decisions_total counter\n")
		fmt.Fprintf(w, "skillgate_decisions_total %d\n", c.decisionsTotal.Load())

		fmt.Fprint(w, "# HELP skillgate_decisions_outcome_total Enforcement decisions by outcome.\n")
		fmt.Fprint(w, "# TYPE skillgate_decisions_outcome_total counter\n")
		fmt.Fprintf(w, "skillgate_decisions_outcome_total{outcome=\"allowed\"} %d\n", c.allowedTotal.Load())
		fmt.Fprintf(w, "skillgate_decisions_outcome_total{outcome=\"denied\"} %d\n", c.deniedTotal.Load())

		exts := snapshotKeys(&c.byExtension)
		if len(exts) > 0 {
			fmt.Fprint(w, "# HELP skillgate_extension_decisions_total Enforcement decisions by extension and outcome.\n")
			fmt.Fprint(w, "# TYPE skillgate_extension_decisions_total counter\n")
			for _, id := range exts {
				ptr, _ := c.byExtension.Load(id)
				if ptr == nil {
					continue
				}
				ec := ptr.(*extensionCounters)
				label := escapeLabelValue(id)
				fmt.Fprintf(w, "skillgate_extension_decisions_total{extension=%q,outcome=\"allowed\"} %d\n", label, ec.allowed.Load())
				fmt.Fprintf(w, "skillgate_extension_decisions_total{extension=%q,outcome=\"denied\"} %d\n", label, ec.denied.Load())
			}
		}

		if opts.PolicyCount != nil {
			fmt.Fprint(w, "# HELP skillgate_policies Configured extension policies.\n")
			fmt.Fprint(w, "# TYPE skillgate_policies gauge\n")
			fmt.Fprintf(w, "skillgate_policies %d\n", opts.PolicyCount())
		}

		if opts.DNSCacheLen != nil {
			fmt.Fprint(w, "# HELP skillgate_dns_cache_entries Cached DNS names.\n")
			fmt.Fprint(w, "# TYPE skillgate_dns_cache_entries gauge\n")
			fmt.Fprintf(w, "skillgate_dns_cache_entries %d\n", opts.DNSCacheLen())
		}

		if opts.DNSStats != nil {
			hits, misses, evictions := opts.DNSStats()
			fmt.Fprint(w, "# HELP skillgate_dns_cache_hits_total DNS cache hits.\n")
			fmt.Fprint(w, "# TYPE skillgate_dns_cache_hits_total counter\n")
			fmt.Fprintf(w, "skillgate_dns_cache_hits_total %d\n", hits)
			fmt.Fprint(w, "# HELP skillgate_dns_cache_misses_total DNS cache misses.\n")
			fmt.Fprint(w, "# TYPE skillgate_dns_cache_misses_total counter\n")
			fmt.Fprintf(w, "skillgate_dns_cache_misses_total %d\n", misses)
			fmt.Fprint(w, "# HELP skillgate_dns_cache_evictions_total DNS cache evictions.\n")
			fmt.Fprint(w, "# TYPE skillgate_dns_cache_evictions_total counter\n")
			fmt.Fprintf(w, "skillgate_dns_cache_evictions_total %d\n", evictions)
		}

		if opts.DroppedCount != nil {
			fmt.Fprint(w, "# HELP skillgate_events_dropped_total Audit records dropped for slow subscribers.\n")
			fmt.Fprint(w, "# TYPE skillgate_events_dropped_total counter\n")
			fmt.Fprintf(w, "skillgate_events_dropped_total %d\n", opts.DroppedCount())
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
