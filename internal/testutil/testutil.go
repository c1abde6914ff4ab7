// Package testutil provides small test-only helpers shared across the
// module's package tests, chiefly a handle tracker that fails a test if
// anything it wrapped is left open.
package testutil

import (
	"fmt"
	"io"
	"sync"
	"testing"
)

// Tracker counts outstanding io.Closer handles obtained through Track.
// Call Check (directly or via t.Cleanup) once a test believes every
// handle it opened has been closed; a nonzero outstanding count fails
// the test with the label each leaked handle was tracked under.
type Tracker struct {
	mu     sync.Mutex
	open   map[int]string
	nextID int
}

// NewTracker returns a Tracker that calls t.Cleanup to run Check
// automatically at the end of the test.
func NewTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := &Tracker{}
	t.Cleanup(func() { tr.Check(t) })
	return tr
}

// Track wraps c so the tracker observes its Close call, and records it
// as outstanding under label (typically the resource's name or kind).
// The zero Tracker is ready to use.
func (tr *Tracker) Track(label string, c io.Closer) io.Closer {
	tr.mu.Lock()
	if tr.open == nil {
		tr.open = make(map[int]string)
	}
	id := tr.nextID
	tr.nextID++
	tr.open[id] = label
	tr.mu.Unlock()

	return &trackedCloser{tr: tr, id: id, Closer: c}
}

func (tr *Tracker) release(id int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.open, id)
}

// Outstanding returns the labels of every handle tracked so far whose
// Close has not yet been observed.
func (tr *Tracker) Outstanding() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	labels := make([]string, 0, len(tr.open))
	for _, label := range tr.open {
		labels = append(labels, label)
	}
	return labels
}

// Check fails t if any tracked handle is still open.
func (tr *Tracker) Check(t *testing.T) {
	t.Helper()
	if leaked := tr.Outstanding(); len(leaked) > 0 {
		t.Fatalf("testutil: %d handle(s) leaked: %v", len(leaked), leaked)
	}
}

type trackedCloser struct {
	tr *Tracker
	id int
	io.Closer
}

func (c *trackedCloser) Close() error {
	c.tr.release(c.id)
	return c.Closer.Close()
}

// String satisfies fmt.Stringer for test failure output readability.
func (c *trackedCloser) String() string {
	return fmt.Sprintf("trackedCloser(%d)", c.id)
}
