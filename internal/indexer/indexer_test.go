package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"otail/internal/proto"
	"otail/internal/reader"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan proto.Event, timeout time.Duration, match func(proto.Event) bool) proto.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before matching event arrived")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching event")
		}
	}
}

func TestGetLineAlreadyIndexed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "alpha\nbeta\ngamma\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("client-1")

	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 3
	})

	ix.RequestLine("client-1", 1)
	ev := waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		_, ok := ev.(proto.LineContent)
		return ok
	})
	lc := ev.(proto.LineContent)
	if lc.LineNo != 1 || lc.Text != "beta" {
		t.Errorf("got %+v, want line 1 = beta", lc)
	}
}

func TestGetLinePendingUntilAvailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "one\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("client-1")
	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 1
	})

	// Line 1 does not exist yet; request it, then append it.
	ix.RequestLine("client-1", 1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("two\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	ev := waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		lc, ok := ev.(proto.LineContent)
		return ok && lc.LineNo == 1
	})
	lc := ev.(proto.LineContent)
	if lc.Text != "two" {
		t.Errorf("got text %q, want two", lc.Text)
	}
}

func TestTailingReceivesNewLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "start\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("tailer")
	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 1
	})
	ix.SetTailing("tailer", true)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("grown\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	ev := waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		tl, ok := ev.(proto.TailLine)
		return ok && tl.Text == "grown"
	})
	tl := ev.(proto.TailLine)
	if tl.LineNo != 1 {
		t.Errorf("LineNo = %d, want 1", tl.LineNo)
	}
}

func TestTruncationResetsIndexAndNotifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "aaa\nbbb\nccc\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("watcher")
	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 3
	})

	if err := os.WriteFile(path, []byte("zzz\n"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		_, ok := ev.(proto.Truncated)
		return ok
	})

	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 1
	})
}

func TestTruncationAnswersPendingRequestInsteadOfDroppingIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "aaa\nbbb\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("watcher")
	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 2
	})

	// Request a line that does not exist yet, so it lands in the
	// subscriber's `interested` set, then truncate before it ever
	// arrives.
	ix.RequestLine("watcher", 5)

	if err := os.WriteFile(path, []byte("zzz\n"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	ev := waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		lc, ok := ev.(proto.LineContent)
		return ok && lc.LineNo == 5
	})
	lc := ev.(proto.LineContent)
	if !lc.Truncated {
		t.Errorf("pending request for line 5 was answered without Truncated set")
	}
}

func TestMaxLinesEvictsOldestAndFlushesPendingRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "one\ntwo\nthree\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	ix.SetMaxLines(2)
	go ix.Run(ctx)

	events := ix.Register("watcher")
	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 3
	})

	ix.RequestLine("watcher", 0)
	ev := waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		lc, ok := ev.(proto.LineContent)
		return ok && lc.LineNo == 0
	})
	lc := ev.(proto.LineContent)
	if !lc.Truncated {
		t.Error("requesting an evicted line should answer Truncated, not pend forever")
	}

	ix.RequestLine("watcher", 2)
	ev = waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		lc, ok := ev.(proto.LineContent)
		return ok && lc.LineNo == 2
	})
	lc = ev.(proto.LineContent)
	if lc.Truncated || lc.Text != "three" {
		t.Errorf("got %+v, want retained line 2 = three", lc)
	}
}

func TestLineAtByteFindsContainingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "aaa\nbb\ncccc\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("watcher")
	waitFor(t, events, 2*time.Second, func(ev proto.Event) bool {
		s, ok := ev.(proto.Stats)
		return ok && s.LineCount == 3
	})

	// Byte layout: "aaa\n" [0,4) "bb\n" [4,7) "cccc\n" [7,12)
	cases := map[int64]int{0: 0, 3: 0, 4: 1, 6: 1, 7: 2, 11: 2}
	for offset, want := range cases {
		if got := ix.LineAtByte(offset); got != want {
			t.Errorf("LineAtByte(%d) = %d, want %d", offset, got, want)
		}
	}
}

func TestDeregisterClosesChannel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "one\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("temp")
	ix.Deregister("temp")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed after Deregister")
		}
	}
}

// TestSlowSubscriberDoesNotLoseLineContent floods a subscriber with more
// RequestLine answers than fit in its channel buffer without draining it,
// then drains it and checks every answer still arrives. Per spec.md §5,
// only the Stats channel is allowed to coalesce; LineContent must apply
// real backpressure instead of dropping.
func TestSlowSubscriberDoesNotLoseLineContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")

	const n = subscriberBuffer + 50
	var content string
	for i := 0; i < n; i++ {
		content += "line\n"
	}
	writeFile(t, path, content)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rd := reader.New(path, 32)
	go rd.Run(ctx)

	ix := New(path, rd.Out())
	go ix.Run(ctx)

	events := ix.Register("slow")
	// Drain until the index is fully populated, without reading further.
	for {
		select {
		case ev := <-events:
			if s, ok := ev.(proto.Stats); ok && s.LineCount == n {
				goto indexed
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the index to fill")
		}
	}
indexed:

	for i := 0; i < n; i++ {
		ix.RequestLine("slow", i)
	}

	got := make(map[int]bool)
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev := <-events:
			if lc, ok := ev.(proto.LineContent); ok {
				got[lc.LineNo] = true
			}
		case <-deadline:
			t.Fatalf("only received %d/%d LineContent answers, some were dropped", len(got), n)
		}
	}
}
