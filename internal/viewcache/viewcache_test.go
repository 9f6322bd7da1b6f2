package viewcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"otail/internal/indexer"
	"otail/internal/reader"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func waitUntil(t *testing.T, c *Cache, timeout time.Duration, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(timeout)
	for {
		snap := c.Snapshot()
		if ok(snap) {
			return snap
		}
		select {
		case <-c.Updates():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for cache state, last snapshot: %+v", snap)
		}
	}
}

func setupCache(t *testing.T, content string, margin int) (*Cache, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, content)

	ctx, cancel := context.WithCancel(context.Background())
	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := indexer.New(path, rd.Out())
	go ix.Run(ctx)

	c := New(ix, "cache", margin)
	go c.Run(ctx)

	return c, cancel
}

func TestSetWindowFetchesVisibleLines(t *testing.T) {
	c, cancel := setupCache(t, "l0\nl1\nl2\nl3\nl4\n", 0)
	defer cancel()

	c.SetWindow(1, 3)

	snap := waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		_, ok1 := s.Lines[1]
		_, ok2 := s.Lines[2]
		return ok1 && ok2
	})

	if snap.Lines[1] != "l1" || snap.Lines[2] != "l2" {
		t.Errorf("got lines %+v, want l1/l2", snap.Lines)
	}
	if _, present := snap.Lines[3]; present {
		t.Error("line 3 is outside the window and should not be resident")
	}
}

func TestSetWindowEvictsOutOfRangeLines(t *testing.T) {
	c, cancel := setupCache(t, "l0\nl1\nl2\nl3\nl4\n", 0)
	defer cancel()

	c.SetWindow(0, 2)
	waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		_, ok := s.Lines[0]
		return ok
	})

	c.SetWindow(3, 5)
	snap := waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		_, ok := s.Lines[3]
		return ok
	})

	if _, present := snap.Lines[0]; present {
		t.Error("line 0 should have been evicted after the window moved")
	}
}

func TestCenterComputesSymmetricWindow(t *testing.T) {
	c, cancel := setupCache(t, "l0\nl1\nl2\nl3\nl4\nl5\nl6\n", 0)
	defer cancel()

	c.SetWindow(0, 4) // load an initial window before recentering
	waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		return len(s.Lines) > 0
	})

	c.Center(5, 4)
	snap := waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		return s.Start == 3
	})
	if snap.End != 7 {
		t.Errorf("window = [%d,%d), want [3,7)", snap.Start, snap.End)
	}
}

func TestTailingTracksGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)
	ix := indexer.New(path, rd.Out())
	go ix.Run(ctx)

	c := New(ix, "cache", 0)
	go c.Run(ctx)

	c.SetWindow(0, 1)
	c.SetTailing(true)

	waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		_, ok := s.Lines[0]
		return ok && s.Tailing
	})

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("second\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		return s.LineCount >= 2
	})
}

func TestTailingSlidesWindowToKeepLastLineVisible(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "l0\nl1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)
	ix := indexer.New(path, rd.Out())
	go ix.Run(ctx)

	c := New(ix, "cache", 0)
	go c.Run(ctx)

	c.SetWindow(0, 2) // window height 2, covers l0/l1
	c.SetTailing(true)
	waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		_, ok := s.Lines[1]
		return ok && s.Tailing
	})

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("l2\nl3\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	snap := waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		return s.End == 4
	})
	if snap.Start != 2 {
		t.Errorf("window = [%d,%d), want start 2 so the last line (3) stays on screen", snap.Start, snap.End)
	}
	if _, ok := snap.Lines[3]; !ok {
		t.Error("expected the newest line to be resident after the window slid")
	}
}

func TestTruncationClearsResidentContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "aaa\nbbb\nccc\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)
	ix := indexer.New(path, rd.Out())
	go ix.Run(ctx)

	c := New(ix, "cache", 0)
	go c.Run(ctx)

	c.SetWindow(0, 3)
	waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		return len(s.Lines) == 3
	})

	writeFile(t, path, "z\n")

	snap := waitUntil(t, c, 2*time.Second, func(s Snapshot) bool {
		return s.LineCount == 1
	})
	for _, ln := range []int{1, 2} {
		if text, ok := snap.Lines[ln]; ok {
			t.Errorf("line %d still resident as %q after truncation", ln, text)
		}
	}
	if text, ok := snap.Lines[0]; ok && text != "z" {
		t.Errorf("line 0 = %q after truncation, want %q", text, "z")
	}
}
