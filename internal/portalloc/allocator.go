// Package portalloc implements the port allocator of spec.md §4.B: a
// process-local reservation set layered over a live kernel probe, so that
// a project is never handed a port already in use by something outside the
// daemon's own bookkeeping.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lazydev/lazydevd/internal/config"
	"github.com/lazydev/lazydevd/internal/store"
)

// ErrNoPortsAvailable is returned when every port in the configured range
// is either reserved or already bound by the kernel (spec.md §7).
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

// Allocator holds the in-process reservation set described in spec.md §4.B.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]bool
}

// New creates an empty allocator.
func New() *Allocator {
	return &Allocator{reserved: map[int]bool{}}
}

// InitializeFromState seeds the reservation set with the ports of every
// project that is "running" in the store (spec.md §4.B), called once at
// startup before reconciliation.
func (a *Allocator) InitializeFromState(states map[string]store.ProjectState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range states {
		if st.Status == store.StatusRunning && st.Port != nil {
			a.reserved[*st.Port] = true
		}
	}
}

// FindAvailable scans settings.PortRange for a port that is neither
// reserved nor already listened on by any process on the host, reserves it,
// and returns it. The kernel check is a bind-and-close probe rather than a
// shelled-out `ss`/`lsof` invocation (spec.md §9 REDESIGN FLAGS: "Replace
// with a direct read of the kernel's TCP listen table (or bind-and-close)
// ... removes a hard dependency on external binaries").
func (a *Allocator) FindAvailable(settings config.Settings) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	min, max := settings.PortRange[0], settings.PortRange[1]
	for p := min; p <= max; p++ {
		if a.reserved[p] {
			continue
		}
		if !isPortFree(p) {
			continue
		}
		a.reserved[p] = true
		return p, nil
	}
	return 0, fmt.Errorf("%w: range [%d, %d]", ErrNoPortsAvailable, min, max)
}

// isPortFree reports whether p is currently bindable on loopback. Binding
// and immediately closing is the least surprising cross-platform way to
// observe kernel port usage without parsing /proc/net/tcp or shelling out.
func isPortFree(p int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Release removes port from the reservation set.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// MarkUsed adds port to the reservation set without scanning, used when
// adopting an orphan that is already listening on a port the allocator
// never chose in this process generation (spec.md §4.C).
func (a *Allocator) MarkUsed(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
}

// IsReserved reports whether port is currently held, for tests and
// invariant checks (spec.md §8 "Reservation consistency").
func (a *Allocator) IsReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}
