// Package orchestrator wires the Reader, Indexer, Filter Projector and
// the two View caches together and drives the tick-based render
// coalescing described in spec.md §4.5.
//
// Grounded on the teacher's app.Run/setupHandlers wiring (one goroutine
// per subsystem, started together and torn down together) and
// original_source/src/common.rs's FPS/MS_PER_FRAME constants, ported
// here as RenderHz and a time.Ticker instead of a fixed sleep loop.
package orchestrator

import (
	"context"
	"time"

	"otail/internal/filter"
	"otail/internal/indexer"
	"otail/internal/proto"
	"otail/internal/reader"
	"otail/internal/viewcache"
)

// RenderHz is the coalesced render rate: bursts of updates from the
// pipeline collapse into at most this many redraws per second.
const RenderHz = 30

// ReaderBuffer sizes the channel between the Reader and the Indexer,
// matching original_source/src/common.rs::CHANNEL_BUFFER's role
// as a generous bound that should never realistically fill.
const ReaderBuffer = 1000

const (
	rawSubscriber      proto.SubscriberID = "view-raw"
	filteredSubscriber proto.SubscriberID = "view-filtered"
	filterScanID       proto.SubscriberID = "filter-scan"
)

// Pipeline owns one file's whole Reader -> Indexer -> Filter Projector ->
// View cache stack, plus the render ticker views should redraw on.
type Pipeline struct {
	Path string

	Reader   *reader.Reader
	Indexer  *indexer.Indexer
	Filter   *filter.FFile
	Raw      *viewcache.Cache
	Filtered *viewcache.Cache

	renderTick *time.Ticker
	changed    chan struct{}
}

// New builds a Pipeline for path with the given initial filter spec.
// Nothing runs until Start is called.
func New(path string, spec filter.FilterSpec) *Pipeline {
	rd := reader.New(path, ReaderBuffer)
	ix := indexer.New(path, rd.Out())
	ff := filter.New(ix, filterScanID, spec)

	return &Pipeline{
		Path:     path,
		Reader:   rd,
		Indexer:  ix,
		Filter:   ff,
		Raw:      viewcache.New(ix, rawSubscriber, 0),
		Filtered: viewcache.New(ff, filteredSubscriber, 0),
		changed:  make(chan struct{}, 1),
	}
}

// Start launches every subsystem's goroutine. It returns once launched;
// the goroutines run until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	go p.Reader.Run(ctx)
	go p.Indexer.Run(ctx)
	go p.Filter.Run(ctx)
	go p.Raw.Run(ctx)
	go p.Filtered.Run(ctx)
	go p.coalesce(ctx)

	p.renderTick = time.NewTicker(time.Second / RenderHz)
	go func() {
		<-ctx.Done()
		p.renderTick.Stop()
	}()
}

// coalesce forwards both caches' Updates() signals into a single
// dirty flag, consumed by RenderTicks alongside the fixed-rate ticker so
// a burst of pipeline activity produces at most one redraw per tick.
func (p *Pipeline) coalesce(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Raw.Updates():
			p.markDirty()
		case <-p.Filtered.Updates():
			p.markDirty()
		}
	}
}

func (p *Pipeline) markDirty() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// RenderTicks returns a channel that fires at most RenderHz times per
// second, and only when the pipeline has produced a change worth
// redrawing for since the previous tick.
func (p *Pipeline) RenderTicks() <-chan time.Time {
	out := make(chan time.Time, 1)
	go func() {
		for range p.renderTick.C {
			select {
			case <-p.changed:
				select {
				case out <- time.Now():
				default:
				}
			default:
			}
		}
		close(out)
	}()
	return out
}

// SyncToSourceLine centers the filtered pane (using the caller's pane
// height) on the nearest match at or before sourceLine, matching a
// raw-pane cursor move under auto-sync. It returns false if no match
// exists yet at or before sourceLine.
func (p *Pipeline) SyncToSourceLine(sourceLine, height int) bool {
	filteredLine := p.Filter.FilteredLineFor(sourceLine)
	if filteredLine < 0 {
		return false
	}
	p.Filtered.Center(filteredLine, height)
	return true
}

// SyncToFilteredLine centers the raw pane (using the caller's pane
// height) on the source line a filtered selection corresponds to,
// matching a filtered-pane cursor move under auto-sync, and disables the
// raw pane's tailing per spec.md §4.5 ("asks the raw view to Center on it
// and disables the raw view's tailing"). It returns false if filteredLine
// has no resolved source line yet.
func (p *Pipeline) SyncToFilteredLine(filteredLine, height int) bool {
	sourceLine := p.Filter.SourceLineFor(filteredLine)
	if sourceLine < 0 {
		return false
	}
	p.Raw.SetTailing(false)
	p.Raw.Center(sourceLine, height)
	return true
}

// SetFilter installs a new filter spec, restarting the filtered pane's
// scan from the beginning of the source. A spec Equal to the active one
// changes nothing.
func (p *Pipeline) SetFilter(spec filter.FilterSpec) {
	p.Filter.SetFilter(spec)
}
