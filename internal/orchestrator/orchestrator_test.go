package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"otail/internal/filter"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestPipelineWiresSourceToFilteredPane(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "boring\nERROR disk full\nboring\nERROR network down\n")

	spec, err := filter.NewFilterSpec(filter.SimpleCaseSensitive, "ERROR")
	if err != nil {
		t.Fatalf("NewFilterSpec: %v", err)
	}

	p := New(path, spec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		snap := p.Filtered.Snapshot()
		if snap.LineCount == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 2 filtered matches, got %d", snap.LineCount)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSyncBetweenPanes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "a\nHIT one\nb\nHIT two\nc\n")

	spec, err := filter.NewFilterSpec(filter.SimpleCaseSensitive, "HIT")
	if err != nil {
		t.Fatalf("NewFilterSpec: %v", err)
	}

	p := New(path, spec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if p.Filter.SourceLineFor(1) == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for scan to reach the second match")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if !p.SyncToSourceLine(2, 4) {
		t.Fatal("SyncToSourceLine(2) reported no match, expected the match at source line 1")
	}
	snap := p.Filtered.Snapshot()
	if snap.Start > 0 || snap.End < 1 {
		t.Errorf("filtered window = [%d,%d), want it to include filtered line 0", snap.Start, snap.End)
	}

	p.Raw.SetTailing(true)
	if !p.SyncToFilteredLine(1, 4) {
		t.Fatal("SyncToFilteredLine(1) reported no source line, expected source line 3")
	}
	rawSnap := p.Raw.Snapshot()
	if rawSnap.Start > 3 || rawSnap.End <= 3 {
		t.Errorf("raw window = [%d,%d), want it to include source line 3", rawSnap.Start, rawSnap.End)
	}
	if rawSnap.Tailing {
		t.Error("SyncToFilteredLine should disable the raw pane's tailing")
	}
}

func TestRenderTicksFireOnlyWhenDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.txt")
	writeFile(t, path, "one\n")

	spec, err := filter.NewFilterSpec(filter.SimpleCaseSensitive, "x")
	if err != nil {
		t.Fatalf("NewFilterSpec: %v", err)
	}

	p := New(path, spec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	ticks := p.RenderTicks()
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one render tick after startup activity")
	}
}
