package proxy

import (
	"strings"
	"sync/atomic"

	"github.com/lazydev/lazydevd/internal/config"
)

// RoutingTable maps a lower-cased subdomain label to its project (spec.md
// §3 RoutingTable); built by config.Config.BuildRoutingTable.
type RoutingTable = map[string]*config.ProjectConfig

// Router holds the current routing table behind an atomic pointer so a
// config reload swaps it without a request in flight ever seeing a torn
// view (spec.md §5 "Routing table").
type Router struct {
	table atomic.Pointer[RoutingTable]
}

// NewRouter constructs a Router with an empty table.
func NewRouter() *Router {
	r := &Router{}
	empty := RoutingTable{}
	r.table.Store(&empty)
	return r
}

// Publish atomically replaces the routing table.
func (r *Router) Publish(t RoutingTable) {
	r.table.Store(&t)
}

// Lookup resolves label (already lower-cased) to a project, or nil.
func (r *Router) Lookup(label string) *config.ProjectConfig {
	t := *r.table.Load()
	return t[label]
}

// Subdomain extracts the routing label from a Host header value: the
// label before ".localhost", lowercased, "" if there is none (spec.md
// §4.E step 1).
func Subdomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	const suffix = ".localhost"
	if strings.HasSuffix(host, suffix) {
		return strings.TrimSuffix(host, suffix)
	}
	if host == "localhost" {
		return ""
	}
	return ""
}
