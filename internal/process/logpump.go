package process

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/lazydev/lazydevd/internal/store"
)

// pumpSet owns the two per-stream log-pumping goroutines for one child
// (spec.md §4.C step 5).
type pumpSet struct {
	wg     sync.WaitGroup
	cancel func()
}

func (p *pumpSet) wait() {
	p.wg.Wait()
}

// startPumps launches one goroutine per stream, each reading lines, trimming
// the trailing \r, and calling store.AddLog for every non-empty line. A
// cancel func exists only for symmetry with the rest of the package; the
// pumps actually stop when the pipe reaches EOF at child exit, flushing any
// trailing partial line first.
func startPumps(st *store.Store, name string, stdout, stderr io.Reader) *pumpSet {
	p := &pumpSet{cancel: func() {}}

	p.wg.Add(2)
	go pumpStream(&p.wg, st, name, store.StreamOut, stdout)
	go pumpStream(&p.wg, st, name, store.StreamErr, stderr)

	return p
}

func pumpStream(wg *sync.WaitGroup, st *store.Store, name string, stream store.Stream, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		_ = st.AddLog(name, stream, line)
	}
	// bufio.Scanner drops a final line with no trailing newline only when
	// it also hits an error; Scan() already returns that trailing partial
	// line as its last token in the success path, so no extra flush step
	// is needed here.
}
