//go:build goexperiment.synctest

package segment

import (
	"path/filepath"
	"testing"
	"testing/synctest"
)

// TestCleanerUnmapsOffCriticalPath checks that a buffer overflow grow
// releases the old mapping to the background worker instead of blocking
// Append on a synchronous unmap, and that the handle keeps working once the
// worker has drained its queue.
func TestCleanerUnmapsOffCriticalPath(t *testing.T) {
	synctest.Run(func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "seg.dat")

		c := NewCleaner(8)
		c.Start()
		defer c.Shutdown()

		h, err := NewMmapHandle(path, 8, false, c, nil)
		if err != nil {
			t.Fatalf("NewMmapHandle: %v", err)
		}

		// Force a grow so the old mapping is released to the cleaner.
		if _, err := h.Append([]byte("0123456789ABCDEF")); err != nil {
			t.Fatalf("Append: %v", err)
		}

		synctest.Wait()

		got, err := h.Read(0, 16)
		if err != nil || string(got) != "0123456789ABCDEF" {
			t.Fatalf("Read() after grow+cleanup = %q, %v", got, err)
		}
	})
}

// TestCleanerStartIdempotent ensures a second Start is a no-op and does not
// spawn a second worker goroutine.
func TestCleanerStartIdempotent(t *testing.T) {
	synctest.Run(func() {
		c := NewCleaner(4)
		c.Start()
		c.Start()
		c.Shutdown()
		// Shutdown should not block forever or panic on a singly-started cleaner.
	})
}

// TestCleanerShutdownBeforeStartIsNoop ensures Shutdown before Start doesn't
// block or panic.
func TestCleanerShutdownBeforeStartIsNoop(t *testing.T) {
	c := NewCleaner(4)
	c.Shutdown()
}

// TestCleanerReleaseNilIsNoop checks Release tolerates a nil buffer.
func TestCleanerReleaseNilIsNoop(t *testing.T) {
	c := NewCleaner(1)
	c.Start()
	defer c.Shutdown()
	c.Release(nil, "whatever")
}
