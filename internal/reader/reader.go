// Package reader implements the tail-aware line producer described in
// spec.md §4.1. It opens a file, emits complete lines as they appear, and
// watches the filesystem for growth, truncation and removal using
// fsnotify, the way original_source/src/reader.rs uses the notify crate.
package reader

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"otail/internal/lineutil"
	"otail/internal/proto"
)

// ChunkSize is the fixed read size used while spooling a file's existing
// content, matching spec.md §4.1's "fixed-size chunks (e.g., 64 KiB)".
const ChunkSize = 64 * 1024

// retryPollInterval and reopenPollInterval bound how often the Reader
// re-checks for a file's existence, for --retry and --follow-name
// respectively; both are ordinary polling loops rather than a second
// fsnotify watch, since a watch cannot observe a path that doesn't yet
// exist.
const (
	retryPollInterval  = 500 * time.Millisecond
	reopenPollInterval = 200 * time.Millisecond
)

// Update is the sum type of everything the Reader can emit. Exactly one
// field is meaningful per message; callers type-switch on it.
type Update struct {
	Line      *proto.ReaderLine
	Stats     *proto.ReaderStats
	Truncated *proto.ReaderTruncated
	Gone      *proto.ReaderGone
	Err       *proto.ReaderError
}

// Reader tails a single file, emitting Updates on Out until the file is
// removed/renamed away, an unrecoverable I/O error occurs, or ctx is
// cancelled.
type Reader struct {
	path string
	out  chan Update

	retry      bool // wait for path to appear rather than failing at startup
	followName bool // reopen path after Remove/Rename instead of going Gone

	pos     int64
	partial []byte // residual bytes not yet terminated by a newline
	lineNo  int    // 0-based count of complete lines emitted so far
}

// New creates a Reader for path. Out is a bounded channel of bufSize; when
// it is full the Reader waits for the consumer (or for ctx to be
// cancelled), so a congested downstream throttles the Reader rather than
// losing lines.
func New(path string, bufSize int) *Reader {
	return &Reader{
		path: path,
		out:  make(chan Update, bufSize),
	}
}

// SetRetry makes Run poll for path to appear instead of reporting an
// error immediately if it does not exist yet, matching `tail --retry`.
func (r *Reader) SetRetry(retry bool) {
	r.retry = retry
}

// SetFollowName makes the Reader treat a Remove/Rename of path as a
// rotation rather than a terminal condition: it keeps polling for a new
// file at the same path and resumes from its start once one appears,
// matching `tail --follow=name`.
func (r *Reader) SetFollowName(followName bool) {
	r.followName = followName
}

// Out returns the Reader's output channel.
func (r *Reader) Out() <-chan Update {
	return r.out
}

// Run spools the file's current content, then tails it via fsnotify until
// ctx is cancelled or a terminal condition (Gone, unrecoverable error) is
// reached. Run closes Out before returning.
func (r *Reader) Run(ctx context.Context) {
	defer close(r.out)

	f, ok := r.open(ctx)
	if !ok {
		return
	}
	defer func() {
		f.Close()
	}()

	if !r.spool(ctx, f) {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
		return
	}
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			cont, reopened := r.handleEvent(ctx, watcher, f, ev)
			if reopened != nil {
				f.Close()
				f = reopened
			}
			if !cont {
				return
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.send(ctx, Update{Err: &proto.ReaderError{Err: werr}})
			return
		}
	}
}

// open opens path, polling every retryPollInterval if r.retry is set and
// the file does not exist yet.
func (r *Reader) open(ctx context.Context) (*os.File, bool) {
	for {
		f, err := os.Open(r.path)
		if err == nil {
			return f, true
		}
		if !r.retry || !os.IsNotExist(err) {
			r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(retryPollInterval):
		}
	}
}

// spool reads the file's existing content in ChunkSize reads, emitting
// completed lines and a trailing Stats message. Returns false if the
// caller should stop (context cancelled or channel closed downstream).
func (r *Reader) spool(ctx context.Context, f *os.File) bool {
	buf := make([]byte, ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if !r.consume(ctx, buf[:n]) {
				return false
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
			return false
		}
	}
	return r.send(ctx, Update{Stats: r.stats()})
}

// consume splits chunk on newlines, emitting one ReaderLine message per
// completed record and buffering any trailing partial bytes.
func (r *Reader) consume(ctx context.Context, chunk []byte) bool {
	data := chunk
	if len(r.partial) > 0 {
		data = append(append([]byte{}, r.partial...), chunk...)
		r.partial = nil
	}

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			r.partial = append(r.partial, data...)
			r.pos += int64(len(chunk))
			return true
		}

		lineBytes := data[:idx]
		lineLen := int64(idx + 1)
		off := r.pos + int64(len(chunk)) - int64(len(data))

		line := lineutil.Decode(lineBytes)
		if !r.send(ctx, Update{Line: &proto.ReaderLine{
			LineNo: r.lineNo,
			Text:   line,
			Offset: off,
			Length: lineLen,
		}}) {
			return false
		}
		r.lineNo++
		data = data[idx+1:]
	}
}

// handleEvent reacts to a single fsnotify event per the detection rules in
// spec.md §4.1. It returns whether the Reader should continue and, when a
// followName rotation reopened the file under the same path, the new
// *os.File the caller must switch to (and close the old one).
func (r *Reader) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, f *os.File, ev fsnotify.Event) (bool, *os.File) {
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if r.followName {
			return r.reopenByName(ctx, watcher)
		}
		return r.send(ctx, Update{Gone: &proto.ReaderGone{}}), nil

	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		info, err := os.Stat(r.path)
		if err != nil {
			if r.followName {
				return r.reopenByName(ctx, watcher)
			}
			return r.send(ctx, Update{Gone: &proto.ReaderGone{}}), nil
		}
		size := info.Size()

		switch {
		case size < r.pos:
			return r.truncate(ctx, f), nil
		case size > r.pos:
			return r.resume(ctx, f), nil
		default:
			return true, nil
		}
	}
	return true, nil
}

// reopenByName polls for r.path to reappear, re-registers the fsnotify
// watch, resets the Reader's position state, and re-spools the new file
// from its start. It signals the reset the same way a truncation does,
// since from a subscriber's point of view a rotated-away file restarting
// at line 0 is indistinguishable from a truncation.
func (r *Reader) reopenByName(ctx context.Context, watcher *fsnotify.Watcher) (bool, *os.File) {
	watcher.Remove(r.path)

	for {
		f, err := os.Open(r.path)
		if err == nil {
			if werr := watcher.Add(r.path); werr != nil {
				r.send(ctx, Update{Err: &proto.ReaderError{Err: werr}})
				f.Close()
				return false, nil
			}
			r.pos = 0
			r.partial = nil
			r.lineNo = 0
			if !r.send(ctx, Update{Truncated: &proto.ReaderTruncated{}}) {
				f.Close()
				return false, nil
			}
			if !r.spool(ctx, f) {
				f.Close()
				return false, nil
			}
			return true, f
		}
		if !os.IsNotExist(err) {
			r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(reopenPollInterval):
		}
	}
}

// truncate resets the Reader's position and residual buffer, seeks the
// open file back to its start, emits Truncated, and re-spools from there.
func (r *Reader) truncate(ctx context.Context, f *os.File) bool {
	r.pos = 0
	r.partial = nil
	r.lineNo = 0
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
	}
	if !r.send(ctx, Update{Truncated: &proto.ReaderTruncated{}}) {
		return false
	}
	return r.spool(ctx, f)
}

// resume reads newly-appended bytes starting at the last known position.
func (r *Reader) resume(ctx context.Context, f *os.File) bool {
	if _, err := f.Seek(r.pos, io.SeekStart); err != nil {
		return r.send(ctx, Update{Err: &proto.ReaderError{Err: err}})
	}
	return r.spool(ctx, f)
}

func (r *Reader) stats() *proto.ReaderStats {
	return &proto.ReaderStats{
		LineCount:   r.lineNo,
		ByteCount:   r.pos,
		EndComplete: len(r.partial) == 0,
	}
}

// send applies a single send on the bounded channel: it blocks until u is
// delivered or ctx is cancelled, reporting false in the latter case. It
// never spins or drops silently.
func (r *Reader) send(ctx context.Context, u Update) bool {
	select {
	case r.out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
