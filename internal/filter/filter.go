package filter

import (
	"context"

	"otail/internal/proto"
)

const subscriberBuffer = 256

// Source is the subset of *indexer.Indexer's API the Filter Projector
// needs. Defining it here (rather than importing indexer directly) keeps
// the scan loop testable against a fake source.
type Source interface {
	Register(id proto.SubscriberID) <-chan proto.Event
	Deregister(id proto.SubscriberID)
	RequestLine(id proto.SubscriberID, lineNo int)
	CancelLine(id proto.SubscriberID, lineNo int)
	SetTailing(id proto.SubscriberID, tailing bool)
}

// subscriber holds a consumer's inbox. ch carries every event except
// FStats and is fed with a blocking send, so a slow consumer never loses
// a LineContent, TailLine or FilterReset. fstatsSlot is a one-item
// mailbox a forwarder goroutine drains into ch; sends to it overwrite
// rather than block, mirroring the Indexer's coalesced Stats channel
// (spec.md §5) for the Filter Projector's analogous progress counter.
type subscriber struct {
	ch         chan proto.Event
	fstatsSlot chan proto.Event
	done       chan struct{}
	tailing    bool
	interested map[int]struct{} // filtered line numbers with an outstanding GetLine
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		ch:         make(chan proto.Event, subscriberBuffer),
		fstatsSlot: make(chan proto.Event, 1),
		done:       make(chan struct{}),
		interested: make(map[int]struct{}),
	}
	go forwardFStats(sub.fstatsSlot, sub.ch, sub.done)
	return sub
}

func forwardFStats(slot <-chan proto.Event, ch chan<- proto.Event, done <-chan struct{}) {
	for {
		select {
		case ev := <-slot:
			select {
			case ch <- ev:
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func (sub *subscriber) close() {
	close(sub.done)
	close(sub.ch)
}

func coalesceFStats(sub *subscriber, ev proto.Event) {
	select {
	case sub.fstatsSlot <- ev:
	default:
		select {
		case <-sub.fstatsSlot:
		default:
		}
		select {
		case sub.fstatsSlot <- ev:
		default:
		}
	}
}

type pendingEntry struct {
	subscriberID proto.SubscriberID
	filteredLine int
}

// FFile scans a Source's lines against a FilterSpec and projects the
// matching subsequence to its own subscribers, addressed by filtered line
// number (0-based index into the match sequence).
type FFile struct {
	source   Source
	selfID   proto.SubscriberID
	sourceCh <-chan proto.Event

	cmds chan any

	spec FilterSpec

	matched     []int // filtered line index -> source line number
	scanCursor  int   // next source line number to test
	scanBusy    bool
	sourceKnown int
	sourceDone  bool // not set by the scan loop; it stays false
	gone        bool

	pendingFetch map[int][]pendingEntry
	subscribers  map[proto.SubscriberID]*subscriber
}

// New creates a Filter Projector reading from source. selfID is the
// identity FFile registers with source under; it must not collide with
// any of FFile's own subscriber IDs.
func New(source Source, selfID proto.SubscriberID, spec FilterSpec) *FFile {
	return &FFile{
		source:       source,
		selfID:       selfID,
		spec:         spec,
		cmds:         make(chan any, subscriberBuffer),
		pendingFetch: make(map[int][]pendingEntry),
		subscribers:  make(map[proto.SubscriberID]*subscriber),
	}
}

type cmdRegister struct {
	id   proto.SubscriberID
	resp chan<- chan proto.Event
}

type cmdDeregister struct{ id proto.SubscriberID }

type cmdGetLine struct {
	id     proto.SubscriberID
	lineNo int
}

type cmdCancelLine struct {
	id     proto.SubscriberID
	lineNo int
}

type cmdSetTailing struct {
	id      proto.SubscriberID
	tailing bool
}

type cmdSetFilter struct{ spec FilterSpec }

type cmdSourceLineFor struct {
	filteredLine int
	resp         chan<- int
}

type cmdFilteredLineFor struct {
	sourceLine int
	resp       chan<- int
}

// Register attaches a subscriber, returning its event channel.
func (ff *FFile) Register(id proto.SubscriberID) <-chan proto.Event {
	resp := make(chan chan proto.Event, 1)
	ff.cmds <- cmdRegister{id: id, resp: resp}
	return <-resp
}

// Deregister removes a subscriber and closes its channel.
func (ff *FFile) Deregister(id proto.SubscriberID) {
	ff.cmds <- cmdDeregister{id: id}
}

// RequestLine asks for the content of filtered line lineNo.
func (ff *FFile) RequestLine(id proto.SubscriberID, lineNo int) {
	ff.cmds <- cmdGetLine{id: id, lineNo: lineNo}
}

// CancelLine withdraws a pending RequestLine.
func (ff *FFile) CancelLine(id proto.SubscriberID, lineNo int) {
	ff.cmds <- cmdCancelLine{id: id, lineNo: lineNo}
}

// SetTailing enables or disables push delivery of newly matched lines.
func (ff *FFile) SetTailing(id proto.SubscriberID, tailing bool) {
	ff.cmds <- cmdSetTailing{id: id, tailing: tailing}
}

// SourceLineFor returns the source line number a filtered line number
// corresponds to, or -1 if filteredLine has not been matched yet. Used
// by the orchestrator to sync the raw pane to the filtered pane's
// selection.
func (ff *FFile) SourceLineFor(filteredLine int) int {
	resp := make(chan int, 1)
	ff.cmds <- cmdSourceLineFor{filteredLine: filteredLine, resp: resp}
	return <-resp
}

// FilteredLineFor returns the filtered line number of the closest match
// at or before sourceLine, or -1 if no line has matched yet. Used to
// sync the filtered pane to the raw pane's selection.
func (ff *FFile) FilteredLineFor(sourceLine int) int {
	resp := make(chan int, 1)
	ff.cmds <- cmdFilteredLineFor{sourceLine: sourceLine, resp: resp}
	return <-resp
}

// SetFilter replaces the active filter and restarts the scan from the
// beginning of the source. Subscribers receive a FilterReset instead of
// Truncated, since the source file itself has not changed. A spec Equal
// to the active one is a no-op: no reset, no rescan.
func (ff *FFile) SetFilter(spec FilterSpec) {
	ff.cmds <- cmdSetFilter{spec: spec}
}

// Run drives the scan loop until ctx is cancelled or the source becomes
// unavailable. It closes every subscriber channel before returning.
func (ff *FFile) Run(ctx context.Context) {
	ff.sourceCh = ff.source.Register(ff.selfID)
	defer ff.source.Deregister(ff.selfID)
	defer ff.closeAll()

	for {
		ff.maybeAdvanceScan()

		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ff.sourceCh:
			if !ok {
				return
			}
			ff.handleSourceEvent(ctx, ev)
			if ff.gone {
				return
			}

		case c := <-ff.cmds:
			ff.handleCommand(ctx, c)
		}
	}
}

func (ff *FFile) maybeAdvanceScan() {
	if ff.gone || ff.scanBusy || ff.scanCursor >= ff.sourceKnown {
		return
	}
	ff.source.RequestLine(ff.selfID, ff.scanCursor)
	ff.scanBusy = true
}

func (ff *FFile) handleCommand(ctx context.Context, c any) {
	switch cmd := c.(type) {
	case cmdRegister:
		sub := newSubscriber()
		ff.subscribers[cmd.id] = sub
		cmd.resp <- sub.ch
		// A subscriber that registers after the last FStats went out would
		// otherwise never learn the current scan progress.
		coalesceFStats(sub, proto.FStats{
			Matches:     len(ff.matched),
			Scanned:     ff.scanCursor,
			SourceTotal: ff.sourceKnown,
		})

	case cmdDeregister:
		if sub, ok := ff.subscribers[cmd.id]; ok {
			sub.close()
			delete(ff.subscribers, cmd.id)
		}

	case cmdGetLine:
		ff.handleGetLine(cmd.id, cmd.lineNo)

	case cmdCancelLine:
		if sub, ok := ff.subscribers[cmd.id]; ok {
			delete(sub.interested, cmd.lineNo)
		}

	case cmdSetTailing:
		if sub, ok := ff.subscribers[cmd.id]; ok {
			sub.tailing = cmd.tailing
		}

	case cmdSetFilter:
		if !ff.spec.Equal(cmd.spec) {
			ff.resetScan(cmd.spec)
			ff.broadcast(ctx, proto.FilterReset{})
		}

	case cmdSourceLineFor:
		if cmd.filteredLine >= 0 && cmd.filteredLine < len(ff.matched) {
			cmd.resp <- ff.matched[cmd.filteredLine]
		} else {
			cmd.resp <- -1
		}

	case cmdFilteredLineFor:
		cmd.resp <- ff.nearestFilteredAtOrBefore(cmd.sourceLine)
	}
}

// nearestFilteredAtOrBefore returns the largest filtered index i such
// that matched[i] <= sourceLine, via binary search over the
// monotonically increasing matched slice.
func (ff *FFile) nearestFilteredAtOrBefore(sourceLine int) int {
	lo, hi := 0, len(ff.matched)-1
	result := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if ff.matched[mid] <= sourceLine {
			result = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return result
}

// invalidatePending answers every outstanding RequestLine (both fetches
// for already-matched lines and scan-side interest in a line not yet
// matched) with a Truncated LineContent, per spec.md §3 Invariant 3:
// a Truncated event must answer outstanding requests, not drop them.
func (ff *FFile) invalidatePending(ctx context.Context) {
	for _, waiters := range ff.pendingFetch {
		for _, w := range waiters {
			if sub, ok := ff.subscribers[w.subscriberID]; ok {
				send(ctx, sub.ch, proto.LineContent{LineNo: w.filteredLine, Truncated: true})
			}
		}
	}
	for _, sub := range ff.subscribers {
		for filteredLineNo := range sub.interested {
			send(ctx, sub.ch, proto.LineContent{LineNo: filteredLineNo, Truncated: true})
		}
	}
}

func (ff *FFile) resetScan(spec FilterSpec) {
	ff.spec = spec
	ff.matched = nil
	ff.scanCursor = 0
	ff.scanBusy = false
	ff.pendingFetch = make(map[int][]pendingEntry)
	for _, sub := range ff.subscribers {
		sub.interested = make(map[int]struct{})
	}
}

func (ff *FFile) handleGetLine(id proto.SubscriberID, filteredLineNo int) {
	sub, ok := ff.subscribers[id]
	if !ok {
		return
	}
	if filteredLineNo < 0 || filteredLineNo >= len(ff.matched) {
		sub.interested[filteredLineNo] = struct{}{}
		return
	}
	sourceLineNo := ff.matched[filteredLineNo]
	ff.pendingFetch[sourceLineNo] = append(ff.pendingFetch[sourceLineNo], pendingEntry{
		subscriberID: id,
		filteredLine: filteredLineNo,
	})
	ff.source.RequestLine(ff.selfID, sourceLineNo)
}

func (ff *FFile) handleSourceEvent(ctx context.Context, ev proto.Event) {
	switch e := ev.(type) {
	case proto.Stats:
		ff.sourceKnown = e.LineCount

	case proto.LineContent:
		ff.handleSourceLine(ctx, e)

	case proto.Truncated:
		ff.invalidatePending(ctx)
		ff.sourceKnown = 0
		ff.resetScan(ff.spec)
		ff.broadcast(ctx, proto.FilterReset{})

	case proto.Error:
		ff.gone = true
		ff.broadcast(ctx, e)
	}
}

func (ff *FFile) handleSourceLine(ctx context.Context, e proto.LineContent) {
	if ff.scanBusy && e.LineNo == ff.scanCursor {
		ff.scanBusy = false
		if ff.spec.Matches(e.Text) {
			filteredIdx := len(ff.matched)
			ff.matched = append(ff.matched, e.LineNo)
			ff.deliverMatch(ctx, filteredIdx, e.Text)
		}
		ff.scanCursor++
		ff.broadcastFStats()
	}

	if waiters, ok := ff.pendingFetch[e.LineNo]; ok {
		for _, w := range waiters {
			if sub, ok := ff.subscribers[w.subscriberID]; ok {
				send(ctx, sub.ch, proto.LineContent{LineNo: w.filteredLine, Text: e.Text})
			}
		}
		delete(ff.pendingFetch, e.LineNo)
	}
}

func (ff *FFile) deliverMatch(ctx context.Context, filteredIdx int, text string) {
	for _, sub := range ff.subscribers {
		if _, wanted := sub.interested[filteredIdx]; wanted {
			delete(sub.interested, filteredIdx)
			send(ctx, sub.ch, proto.LineContent{LineNo: filteredIdx, Text: text})
		}
		if sub.tailing {
			send(ctx, sub.ch, proto.TailLine{LineNo: filteredIdx, Text: text})
		}
	}
}

func (ff *FFile) broadcastFStats() {
	ev := proto.FStats{
		Matches:     len(ff.matched),
		Scanned:     ff.scanCursor,
		SourceTotal: ff.sourceKnown,
	}
	for _, sub := range ff.subscribers {
		coalesceFStats(sub, ev)
	}
}

func (ff *FFile) broadcast(ctx context.Context, ev proto.Event) {
	for _, sub := range ff.subscribers {
		send(ctx, sub.ch, ev)
	}
}

func (ff *FFile) closeAll() {
	for id, sub := range ff.subscribers {
		sub.close()
		delete(ff.subscribers, id)
	}
}

// send delivers ev to ch with a blocking, cooperative send: it only
// yields early if ctx is cancelled, since spec.md §5 requires every
// channel but the coalesced FStats mailbox to apply real backpressure
// rather than drop LineContent/TailLine/FilterReset/Error in favour of a
// newer message.
func send(ctx context.Context, ch chan<- proto.Event, ev proto.Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
