// Package indexer implements the Indexer ("IFile") actor from spec.md
// §4.2: it consumes Reader updates, maintains a byte-offset line index,
// answers on-demand line-content requests, and pushes new lines to
// tailing subscribers. Grounded on original_source/src/ifile.rs's
// select!-loop actor shape, translated to a Go goroutine plus channel
// commands the way _examples/TimelordUK-mless/internal/index/lines.go
// keeps an offsets-only index and fetches content lazily.
package indexer

import (
	"context"
	"fmt"
	"os"

	"otail/internal/lineutil"
	"otail/internal/proto"
	"otail/internal/reader"
)

const subscriberBuffer = 256

type lineEntry struct {
	offset int64
	length int64
}

// subscriber holds a consumer's inbox. ch carries every event except
// Stats and is fed with a blocking send: per spec.md §5, only the
// Indexer's outbound stats channel coalesces, so LineContent, TailLine
// and Truncated are never dropped. statsSlot is a one-item mailbox that a
// forwarder goroutine drains into ch; sends to it overwrite rather than
// block, since only the latest Stats snapshot is ever meaningful.
type subscriber struct {
	ch         chan proto.Event
	statsSlot  chan proto.Event
	done       chan struct{}
	tailing    bool
	interested map[int]struct{} // line numbers with an outstanding GetLine
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		ch:         make(chan proto.Event, subscriberBuffer),
		statsSlot:  make(chan proto.Event, 1),
		done:       make(chan struct{}),
		interested: make(map[int]struct{}),
	}
	go forwardStats(sub.statsSlot, sub.ch, sub.done)
	return sub
}

// forwardStats drains the coalesced stats mailbox into the subscriber's
// main channel, blocking only itself (never the actor loop) when the
// consumer is slow to read.
func forwardStats(slot <-chan proto.Event, ch chan<- proto.Event, done <-chan struct{}) {
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

// coalesceStats replaces any not-yet-delivered Stats with ev rather than
// queuing both, matching spec.md §5's "latest-wins one-slot mailbox" for
// the Indexer's stats output.
func coalesceStats(sub *subscriber, ev proto.Event) {
	select {
	case sub.statsSlot <- ev:
	default:
		select {
		case <-sub.statsSlot:
		default:
		}
		select {
		case sub.statsSlot <- ev:
		default:
		}
	}
}

// Indexer owns a single file's line index and serves it to subscribers.
// All state is confined to the goroutine started by Run; every other
// method communicates with it over channels, so Indexer is safe for
// concurrent use once Run has been started.
type Indexer struct {
	path    string
	updates <-chan reader.Update

	cmds chan any

	file        *os.File
	index       []lineEntry
	baseLineNo  int // index[0] corresponds to this absolute line number
	maxLines    int // 0 means unbounded
	byteCount   int64
	endComplete bool
	gone        bool

	subscribers map[proto.SubscriberID]*subscriber
}

// New creates an Indexer reading updates from updates (typically a
// reader.Reader's Out channel).
func New(path string, updates <-chan reader.Update) *Indexer {
	return &Indexer{
		path:        path,
		updates:     updates,
		cmds:        make(chan any, subscriberBuffer),
		subscribers: make(map[proto.SubscriberID]*subscriber),
	}
}

// SetMaxLines bounds the retained offset index to the most recent n
// lines, matching `tail --max-lines`. Once a line falls off the front of
// the index it can never be fetched again — the same lack of scrollback
// a real ring-buffer-backed tail has past its buffer. n <= 0 means
// unbounded (the default). Call before Run.
func (ix *Indexer) SetMaxLines(n int) {
	ix.maxLines = n
}

type cmdRegister struct {
	id   proto.SubscriberID
	resp chan<- chan proto.Event
}

type cmdDeregister struct {
	id proto.SubscriberID
}

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

type cmdLineAtByte struct {
	offset int64
	resp   chan<- int
}

// Register attaches a new subscriber and returns its event channel. Call
// from outside the actor goroutine.
func (ix *Indexer) Register(id proto.SubscriberID) <-chan proto.Event {
	resp := make(chan chan proto.Event, 1)
	ix.cmds <- cmdRegister{id: id, resp: resp}
	return <-resp
}

// Deregister removes a subscriber and closes its channel.
func (ix *Indexer) Deregister(id proto.SubscriberID) {
	ix.cmds <- cmdDeregister{id: id}
}

// RequestLine asks for the content of lineNo. The answer arrives as a
// proto.LineContent on the subscriber's channel, immediately if the line
// is already indexed, or once the Reader produces it.
func (ix *Indexer) RequestLine(id proto.SubscriberID, lineNo int) {
	ix.cmds <- cmdGetLine{id: id, lineNo: lineNo}
}

// CancelLine withdraws a pending RequestLine for lineNo.
func (ix *Indexer) CancelLine(id proto.SubscriberID, lineNo int) {
	ix.cmds <- cmdCancelLine{id: id, lineNo: lineNo}
}

// SetTailing enables or disables push delivery of newly indexed lines.
func (ix *Indexer) SetTailing(id proto.SubscriberID, tailing bool) {
	ix.cmds <- cmdSetTailing{id: id, tailing: tailing}
}

// LineAtByte returns the 0-based line number containing offset, or the
// number of lines currently indexed if offset falls beyond the end of
// the index so far. It is used to translate `tail --bytes`'s byte-count
// or from-byte-N spec into a starting line for the view cache.
func (ix *Indexer) LineAtByte(offset int64) int {
	resp := make(chan int, 1)
	ix.cmds <- cmdLineAtByte{offset: offset, resp: resp}
	return <-resp
}

// Run drives the actor loop until ctx is cancelled or the underlying
// Reader signals a terminal condition. It closes every subscriber channel
// before returning.
func (ix *Indexer) Run(ctx context.Context) {
	defer ix.closeAll()
	defer func() {
		if ix.file != nil {
			ix.file.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case upd, ok := <-ix.updates:
			if !ok {
				return
			}
			ix.handleReaderUpdate(ctx, upd)
			if ix.gone {
				return
			}

		case c := <-ix.cmds:
			ix.handleCommand(ctx, c)
		}
	}
}

func (ix *Indexer) handleCommand(ctx context.Context, c any) {
	switch cmd := c.(type) {
	case cmdRegister:
		sub := newSubscriber()
		ix.subscribers[cmd.id] = sub
		cmd.resp <- sub.ch
		// A subscriber that registers after the last Stats went out would
		// otherwise never learn the current line count.
		coalesceStats(sub, proto.Stats{LineCount: ix.baseLineNo + len(ix.index), ByteCount: ix.byteCount})

	case cmdDeregister:
		if sub, ok := ix.subscribers[cmd.id]; ok {
			sub.close()
			delete(ix.subscribers, cmd.id)
		}

	case cmdGetLine:
		ix.handleGetLine(ctx, cmd.id, cmd.lineNo)

	case cmdCancelLine:
		if sub, ok := ix.subscribers[cmd.id]; ok {
			delete(sub.interested, cmd.lineNo)
		}

	case cmdSetTailing:
		if sub, ok := ix.subscribers[cmd.id]; ok {
			sub.tailing = cmd.tailing
		}

	case cmdLineAtByte:
		cmd.resp <- ix.lineAtByte(cmd.offset)
	}
}

// lineAtByte binary-searches the offset index for the first line whose
// span contains offset, returning an absolute line number (accounting
// for any --max-lines eviction shift).
func (ix *Indexer) lineAtByte(offset int64) int {
	lo, hi := 0, len(ix.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if ix.index[mid].offset+ix.index[mid].length <= offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo + ix.baseLineNo
}

func (ix *Indexer) handleGetLine(ctx context.Context, id proto.SubscriberID, lineNo int) {
	sub, ok := ix.subscribers[id]
	if !ok {
		return
	}
	if lineNo < ix.baseLineNo {
		// Evicted by --max-lines; it will never become available again.
		send(ctx, sub.ch, proto.LineContent{LineNo: lineNo, Truncated: true})
		return
	}
	if lineNo >= ix.baseLineNo+len(ix.index) {
		sub.interested[lineNo] = struct{}{}
		return
	}
	text, err := ix.fetch(lineNo)
	if err != nil {
		send(ctx, sub.ch, proto.Error{Reason: err.Error()})
		return
	}
	send(ctx, sub.ch, proto.LineContent{LineNo: lineNo, Text: text})
}

func (ix *Indexer) fetch(lineNo int) (string, error) {
	entry := ix.index[lineNo-ix.baseLineNo]
	if ix.file == nil {
		f, err := os.Open(ix.path)
		if err != nil {
			return "", err
		}
		ix.file = f
	}
	buf := make([]byte, entry.length)
	if _, err := ix.file.ReadAt(buf, entry.offset); err != nil {
		return "", fmt.Errorf("read line %d: %w", lineNo, err)
	}
	return lineutil.Decode(buf), nil
}

func (ix *Indexer) handleReaderUpdate(ctx context.Context, upd reader.Update) {
	switch {
	case upd.Line != nil:
		ix.appendLine(ctx, *upd.Line)

	case upd.Stats != nil:
		ix.byteCount = upd.Stats.ByteCount
		ix.endComplete = upd.Stats.EndComplete
		ix.broadcastStats(proto.Stats{LineCount: ix.baseLineNo + len(ix.index), ByteCount: ix.byteCount})

	case upd.Truncated != nil:
		ix.index = nil
		ix.baseLineNo = 0
		ix.byteCount = 0
		ix.endComplete = false
		for _, sub := range ix.subscribers {
			for lineNo := range sub.interested {
				send(ctx, sub.ch, proto.LineContent{LineNo: lineNo, Truncated: true})
			}
			sub.interested = make(map[int]struct{})
		}
		ix.broadcast(ctx, proto.Truncated{})

	case upd.Gone != nil:
		ix.gone = true
		ix.broadcast(ctx, proto.Error{Reason: "file removed or renamed"})

	case upd.Err != nil:
		ix.gone = true
		ix.broadcast(ctx, proto.Error{Reason: upd.Err.Err.Error()})
	}
}

func (ix *Indexer) appendLine(ctx context.Context, line proto.ReaderLine) {
	ix.index = append(ix.index, lineEntry{offset: line.Offset, length: line.Length})
	if ix.maxLines > 0 && len(ix.index) > ix.maxLines {
		ix.index = ix.index[1:]
		ix.baseLineNo++
	}

	for _, sub := range ix.subscribers {
		if _, wanted := sub.interested[line.LineNo]; wanted {
			delete(sub.interested, line.LineNo)
			send(ctx, sub.ch, proto.LineContent{LineNo: line.LineNo, Text: line.Text})
		}
		if sub.tailing {
			send(ctx, sub.ch, proto.TailLine{LineNo: line.LineNo, Text: line.Text})
		}
	}
}

func (ix *Indexer) broadcast(ctx context.Context, ev proto.Event) {
	for _, sub := range ix.subscribers {
		send(ctx, sub.ch, ev)
	}
}

func (ix *Indexer) broadcastStats(ev proto.Event) {
	for _, sub := range ix.subscribers {
		coalesceStats(sub, ev)
	}
}

func (ix *Indexer) closeAll() {
	for id, sub := range ix.subscribers {
		sub.close()
		delete(ix.subscribers, id)
	}
}

// send delivers ev to ch with a blocking, cooperative send: it only
// yields early if ctx is cancelled, since spec.md §5 requires every
// channel but the coalesced stats mailbox to apply real backpressure
// rather than drop LineContent/TailLine/Truncated/Error in favour of a
// newer message.
func send(ctx context.Context, ch chan<- proto.Event, ev proto.Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
