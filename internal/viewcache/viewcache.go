// Package viewcache implements the View cache from spec.md §4.4: a
// bounded window of line content kept warm around whatever range a pane
// is currently displaying, with prefetch margin, cancellation of
// requests that fall out of range, and tailing coupling to the
// underlying source (an Indexer or a Filter Projector — both share the
// same subscriber contract).
//
// Grounded structurally on
// _examples/TimelordUK-mless/internal/view/viewport.go's scroll/window
// bookkeeping (ScrollDown/PageDown/GotoLine/clampScroll), reworked from a
// synchronous LineProvider.GetLines pull into the pending-request and
// eviction model an asynchronous actor source requires.
package viewcache

import (
	"context"

	"otail/internal/proto"
)

// Source is the subset of an Indexer's or Filter Projector's API the view
// cache needs.
type Source interface {
	Register(id proto.SubscriberID) <-chan proto.Event
	Deregister(id proto.SubscriberID)
	RequestLine(id proto.SubscriberID, lineNo int)
	CancelLine(id proto.SubscriberID, lineNo int)
	SetTailing(id proto.SubscriberID, tailing bool)
}

// Snapshot is a point-in-time, safe-to-read copy of cache state, handed
// out in response to a Snapshot() call.
type Snapshot struct {
	Start, End int // half-open [Start, End) — the last requested window
	LineCount  int
	ByteCount  int64
	Tailing    bool
	Gone       bool
	GoneReason string
	Lines      map[int]string // only lines currently resident are present
}

// Cache maintains a warm window of line content for one pane.
type Cache struct {
	source Source
	selfID proto.SubscriberID
	events <-chan proto.Event

	cmds    chan any
	changed chan struct{} // coalesced "state changed, re-render" signal

	margin int

	windowStart, windowEnd int
	lineCount              int
	byteCount              int64
	tailing                bool
	gone                   bool
	goneReason             string

	content map[int]string
	pending map[int]struct{}
}

// New creates a Cache reading from source, prefetching margin extra lines
// on each side of the requested window.
func New(source Source, selfID proto.SubscriberID, margin int) *Cache {
	return &Cache{
		source:  source,
		selfID:  selfID,
		cmds:    make(chan any, 64),
		changed: make(chan struct{}, 1),
		margin:  margin,
		content: make(map[int]string),
		pending: make(map[int]struct{}),
	}
}

// Updates returns a channel that receives a value whenever the cache's
// visible state has changed. Sends are coalesced: a burst of updates
// collapses to a single pending signal.
func (c *Cache) Updates() <-chan struct{} {
	return c.changed
}

type cmdSetWindow struct{ start, end int }
type cmdCenter struct{ lineNo, height int }
type cmdSetTailing struct{ tailing bool }
type cmdSnapshot struct{ resp chan<- Snapshot }

// SetWindow declares the range of lines a pane wants displayed. The cache
// prefetches margin lines on each side and evicts everything else. Callers
// are responsible for seeding an initial window (e.g. with the pane's
// actual height) and reissuing it on resize; the cache never invents a
// window size on its own.
func (c *Cache) SetWindow(start, end int) {
	c.cmds <- cmdSetWindow{start: start, end: end}
}

// Center recenters a window of the given height on lineNo, matching a
// jump-to-line or sync-to-source-line action. height is the caller's
// actual pane height; the cache does not infer it from prior state.
func (c *Cache) Center(lineNo, height int) {
	c.cmds <- cmdCenter{lineNo: lineNo, height: height}
}

// SetTailing enables or disables following newly available lines,
// forwarding the request to the underlying source.
func (c *Cache) SetTailing(tailing bool) {
	c.cmds <- cmdSetTailing{tailing: tailing}
}

// Snapshot returns the current cache state. It blocks until the actor
// goroutine answers, so it must not be called from within Run's own
// goroutine.
func (c *Cache) Snapshot() Snapshot {
	resp := make(chan Snapshot, 1)
	c.cmds <- cmdSnapshot{resp: resp}
	return <-resp
}

// Run drives the cache's actor loop until ctx is cancelled or the source
// becomes unavailable.
func (c *Cache) Run(ctx context.Context) {
	c.events = c.source.Register(c.selfID)
	defer c.source.Deregister(c.selfID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.handleEvent(ev)
			if c.gone {
				c.signal()
				return
			}
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		}
	}
}

func (c *Cache) handleCommand(cmd any) {
	switch cc := cmd.(type) {
	case cmdSetWindow:
		c.setWindow(cc.start, cc.end)

	case cmdCenter:
		height := cc.height
		if height <= 0 {
			height = 1
		}
		start := cc.lineNo - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if c.lineCount > 0 && end > c.lineCount {
			end = c.lineCount
			start = end - height
			if start < 0 {
				start = 0
			}
		}
		c.setWindow(start, end)

	case cmdSetTailing:
		c.tailing = cc.tailing
		c.source.SetTailing(c.selfID, cc.tailing)

	case cmdSnapshot:
		cc.resp <- c.snapshot()
	}
}

func (c *Cache) setWindow(start, end int) {
	if end < start {
		end = start
	}
	c.windowStart, c.windowEnd = start, end

	keepStart := start - c.margin
	if keepStart < 0 {
		keepStart = 0
	}
	keepEnd := end + c.margin

	for ln := range c.content {
		if ln < keepStart || ln >= keepEnd {
			delete(c.content, ln)
		}
	}
	for ln := range c.pending {
		if ln < keepStart || ln >= keepEnd {
			delete(c.pending, ln)
			c.source.CancelLine(c.selfID, ln)
		}
	}

	for ln := keepStart; ln < keepEnd; ln++ {
		if _, have := c.content[ln]; have {
			continue
		}
		if _, waiting := c.pending[ln]; waiting {
			continue
		}
		c.pending[ln] = struct{}{}
		c.source.RequestLine(c.selfID, ln)
	}

	c.signal()
}

func (c *Cache) handleEvent(ev proto.Event) {
	switch e := ev.(type) {
	case proto.Stats:
		c.lineCount = e.LineCount
		c.byteCount = e.ByteCount
		c.signal()

	case proto.FStats:
		c.lineCount = e.Matches
		c.signal()

	case proto.LineContent:
		delete(c.pending, e.LineNo)
		if e.Truncated {
			return
		}
		if c.inWindow(e.LineNo) {
			c.content[e.LineNo] = e.Text
			c.signal()
		}

	case proto.TailLine:
		if e.LineNo+1 > c.lineCount {
			c.lineCount = e.LineNo + 1
		}
		if c.tailing {
			c.followTail()
		}
		if c.inWindow(e.LineNo) {
			c.content[e.LineNo] = e.Text
			c.signal()
		}

	case proto.Truncated:
		c.reset()

	case proto.FilterReset:
		c.reset()

	case proto.Error:
		c.gone = true
		c.goneReason = e.Reason
	}
}

// followTail keeps the window's current height but slides it so the last
// known line stays on screen, matching spec.md §3 Invariant 5: tailing
// keeps the last line visible as new lines arrive.
func (c *Cache) followTail() {
	height := c.windowEnd - c.windowStart
	if height <= 0 {
		return
	}
	end := c.lineCount
	start := end - height
	if start < 0 {
		start = 0
	}
	if start == c.windowStart && end == c.windowEnd {
		return
	}
	c.setWindow(start, end)
}

func (c *Cache) inWindow(lineNo int) bool {
	keepStart := c.windowStart - c.margin
	if keepStart < 0 {
		keepStart = 0
	}
	keepEnd := c.windowEnd + c.margin
	return lineNo >= keepStart && lineNo < keepEnd
}

func (c *Cache) reset() {
	c.content = make(map[int]string)
	c.pending = make(map[int]struct{})
	c.lineCount = 0
	c.setWindow(0, c.windowEnd-c.windowStart)
}

func (c *Cache) snapshot() Snapshot {
	lines := make(map[int]string, len(c.content))
	for k, v := range c.content {
		lines[k] = v
	}
	return Snapshot{
		Start:      c.windowStart,
		End:        c.windowEnd,
		LineCount:  c.lineCount,
		ByteCount:  c.byteCount,
		Tailing:    c.tailing,
		Gone:       c.gone,
		GoneReason: c.goneReason,
		Lines:      lines,
	}
}

func (c *Cache) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
