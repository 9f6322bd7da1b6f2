// Package rules implements the colouring rule set from spec.md §6: an
// ordered list of enabled/disabled filter-and-colour rules applied to
// each displayed line, plus the interactive quick-rule syntax the
// teacher's rules pane accepted for adding a rule on the fly.
//
// Adapted from the teacher's rules package (ParseRule/MatchesAnyRule's
// prefix syntax, kept for the interactive add-rule input) and
// original_source/src/colour_spec.rs's ColouringRule/ColouringSpec shape
// (Enabled flag, ordered list, first-match-wins colouring), rebuilt on
// top of internal/filter's FilterSpec instead of a private regex field so
// the same match semantics used for filtering are reused for colouring.
package rules

import (
	"fmt"
	"strings"

	"otail/internal/filter"
)

// Colour names a foreground or background colour a rule can apply. It
// mirrors original_source/src/colour_spec.rs::Colour; the zero value
// Default means "leave the terminal's own colour in place".
type Colour string

const (
	Default Colour = ""
	Black   Colour = "black"
	Red     Colour = "red"
	Green   Colour = "green"
	Blue    Colour = "blue"
	Yellow  Colour = "yellow"
	Magenta Colour = "magenta"
	Cyan    Colour = "cyan"
	Gray    Colour = "gray"
	White   Colour = "white"
)

// ColouringRule is one entry in the ordered colouring rule set: a filter
// predicate paired with the colours to apply when it matches.
type ColouringRule struct {
	ID      string
	Enabled bool
	Filter  filter.FilterSpec
	FG      Colour
	BG      Colour
	Label   string
}

// ColouringSpec is the ordered, first-match-wins rule set applied to
// every displayed line.
type ColouringSpec struct {
	Rules []ColouringRule
}

// Colour returns the fg/bg pair of the first enabled rule matching line,
// and whether any rule matched at all. This is the Go counterpart of
// original_source/src/colour_spec.rs::ColouringSpec::maybe_colour.
func (cs *ColouringSpec) Colour(line string) (fg, bg Colour, matched bool) {
	for _, r := range cs.Rules {
		if !r.Enabled {
			continue
		}
		if r.Filter.Matches(line) {
			return r.FG, r.BG, true
		}
	}
	return Default, Default, false
}

// Add appends a new rule to the end of the set.
func (cs *ColouringSpec) Add(r ColouringRule) {
	cs.Rules = append(cs.Rules, r)
}

// Remove deletes the rule with the given ID, if present.
func (cs *ColouringSpec) Remove(id string) {
	out := cs.Rules[:0]
	for _, r := range cs.Rules {
		if r.ID != id {
			out = append(out, r)
		}
	}
	cs.Rules = out
}

// MoveUp swaps the rule with the given ID with its predecessor, raising
// its priority. A no-op if the rule is already first or not found.
func (cs *ColouringSpec) MoveUp(id string) {
	for i, r := range cs.Rules {
		if r.ID == id && i > 0 {
			cs.Rules[i-1], cs.Rules[i] = cs.Rules[i], cs.Rules[i-1]
			return
		}
	}
}

// MoveDown swaps the rule with the given ID with its successor, lowering
// its priority. A no-op if the rule is already last or not found.
func (cs *ColouringSpec) MoveDown(id string) {
	for i, r := range cs.Rules {
		if r.ID == id && i < len(cs.Rules)-1 {
			cs.Rules[i+1], cs.Rules[i] = cs.Rules[i], cs.Rules[i+1]
			return
		}
	}
}

// Update replaces the rule with the given ID in place, preserving its
// position in the ordering.
func (cs *ColouringSpec) Update(id string, r ColouringRule) {
	for i := range cs.Rules {
		if cs.Rules[i].ID == id {
			r.ID = id
			cs.Rules[i] = r
			return
		}
	}
}

// ParseRule parses the quick-rule input syntax the teacher's rules pane
// accepted ("regex:<pattern>", "sensitive:<text>", "full:<text>", plain
// substring text, and "sensitive:full:<text>") into a filter.FilterSpec
// ready to become a ColouringRule. The full: prefix is stripped and does
// not change how the text matches; it is recognised only directly at the
// start or right after sensitive:.
func ParseRule(input string) (filter.FilterSpec, error) {
	if strings.TrimSpace(input) == "" {
		return filter.FilterSpec{}, fmt.Errorf("rule cannot be empty")
	}

	if strings.HasPrefix(input, "regex:") {
		return filter.NewFilterSpec(filter.Regex, strings.TrimPrefix(input, "regex:"))
	}

	caseSensitive := false
	if strings.HasPrefix(input, "sensitive:") {
		caseSensitive = true
		input = strings.TrimPrefix(input, "sensitive:")
	}
	input = strings.TrimPrefix(input, "full:")

	if caseSensitive {
		return filter.NewFilterSpec(filter.SimpleCaseSensitive, input)
	}
	return filter.NewFilterSpec(filter.SimpleCaseInsensitive, input)
}
