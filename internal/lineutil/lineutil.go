// Package lineutil holds the byte-to-display-string decoding rules shared
// by the Reader (decoding freshly-read lines) and the Indexer (decoding
// lines fetched on demand via ReadAt), mirroring how
// original_source/src/reader.rs and original_source/src/backing_file.rs
// both trim and sanitize raw line bytes the same way.
package lineutil

import (
	"bytes"
	"unicode/utf8"
)

// TabWidth is the fixed number of spaces a tab expands to in decoded line
// content, per the line content invariant ("tabs replaced by a fixed
// number of spaces"). original_source/src/backing_file.rs replaces each
// tab with a single space; this implementation follows the spec's literal
// plural wording instead.
const TabWidth = 4

// Decode strips a trailing \r\n or \n, replaces invalid UTF-8 with the
// Unicode replacement character rather than dropping the line, and
// expands tabs to TabWidth spaces. This runs once here, at the point
// bytes become the line's canonical decoded string, so every subscriber
// (the TUI, a future Save-to-file, a test calling RequestLine directly)
// sees identical content rather than each consumer expanding tabs on its
// own — matching original_source/src/backing_file.rs's tab substitution
// at the content-read level.
func Decode(b []byte) string {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	var s string
	if utf8.Valid(b) {
		s = string(b)
	} else {
		s = toValidUTF8(b)
	}
	return ExpandTabs(s, TabWidth)
}

func toValidUTF8(b []byte) string {
	var out bytes.Buffer
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			out.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		out.Write(b[:size])
		b = b[size:]
	}
	return out.String()
}

// ExpandTabs replaces each tab with width spaces; Decode calls it with
// TabWidth. A width <= 0 leaves s unchanged.
func ExpandTabs(s string, width int) string {
	if width <= 0 || !bytes.ContainsRune([]byte(s), '\t') {
		return s
	}
	pad := bytes.Repeat([]byte{' '}, width)
	return string(bytes.ReplaceAll([]byte(s), []byte{'\t'}, pad))
}
