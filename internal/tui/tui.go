// Package tui implements the two-pane terminal interface: a raw-source
// pane and a filtered pane, kept in sync with an orchestrator.Pipeline
// and redrawn on its coalesced render ticks.
//
// Adapted from the teacher's app.App (app/app.go): tview's
// TextView/InputField/Flex widgets, the same FocusState/
// keyBindings/cycleFocus shape for moving between panes and modal
// inputs, and the same search/save/help feature set — but rewired so
// the teacher's messagesView/rulesView become rawView/filteredView,
// displaying windows pulled from a viewcache.Cache
// instead of an in-memory []string, and so filtering happens by
// installing a new filter.FilterSpec on the pipeline instead of
// rebuilding a local slice.
package tui

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"

	"otail/internal/filter"
	"otail/internal/logging"
	"otail/internal/orchestrator"
	"otail/internal/rules"
	"otail/internal/viewcache"
)

// FocusState names which primitive currently has keyboard focus.
type FocusState int

const (
	focusRaw FocusState = iota
	focusFiltered
	focusFilterInput
	focusSearchInput
	focusSaveInput
	focusViewModal
)

// keyBindings mirrors the teacher's single-rune command bindings.
var keyBindings = map[string]rune{
	"quit":     'q',
	"save":     's',
	"view":     'v',
	"help":     'h',
	"tail":     'f',
	"search":   '/',
	"next":     'n',
	"filter":   'F',
	"autosync": 'a',
}

// App is the two-pane terminal UI.
type App struct {
	tviewApp *tview.Application

	rawView      *tview.TextView
	filteredView *tview.TextView
	filterInput  *tview.InputField
	searchInput  *tview.InputField
	saveInput    *tview.InputField
	viewModal    *tview.TextView
	progressBar  *tview.TextView
	helpText     *tview.TextView
	flex         *tview.Flex

	pipeline *orchestrator.Pipeline
	colours  rules.ColouringSpec
	log      *logging.Logger

	focus       FocusState
	preModal    FocusState
	autoSync    bool
	rawCursor   int
	filtCursor  int
	searchTerm  string
	searchHits  []int
	searchIndex int

	lastHeight int

	// tailLines, when > 0, seeds the raw cursor at (line count - tailLines)
	// as soon as the initial line count is known, matching `tail -n`'s
	// "start showing only the last N lines" behaviour applied to an
	// index that isn't fully populated yet at startup.
	tailLines    int
	tailLinesSet bool

	// byteOffset/byteFromEnd resolve `--bytes` deferred the same way, via
	// Indexer.LineAtByte once enough of the file is indexed.
	byteOffset    int64
	byteFromEnd   bool
	byteResolvSet bool
}

// StartMode selects where the raw pane's cursor begins, matching the
// teacher's app.NewApp headMode/initialLines/linesFrom/bytesStr
// parameters generalized into explicit fields.
type StartMode struct {
	// Lines, if > 0, starts the view showing only the last Lines lines
	// (`tail -n`/`--lines`), applied once the initial index settles.
	Lines int
	// Head starts at line 0 instead of tailing the end (`--head`).
	Head bool
	// From starts centered on an explicit 0-based line number
	// (`--lines-from`). Takes precedence over Lines and Head.
	From int
	// HasFrom reports whether From was explicitly set.
	HasFrom bool
	// BytesOffset/BytesFromEnd/HasBytes implement `--bytes`: a plain
	// count means "start BytesOffset bytes from the end of the file",
	// a "+N" spec (BytesFromEnd == false) means "start at byte N from
	// the beginning". Takes precedence over Lines/Head but not From.
	BytesOffset  int64
	BytesFromEnd bool
	HasBytes     bool
}

// New builds the UI around pipeline. log may be nil, in which case UI
// actions are not recorded.
func New(pipeline *orchestrator.Pipeline, colours rules.ColouringSpec, log *logging.Logger, start StartMode) *App {
	a := &App{
		tviewApp: tview.NewApplication(),
		pipeline: pipeline,
		colours:  colours,
		log:      log,
		autoSync: true,
	}
	a.initUI()
	a.setupHandlers()

	a.lastHeight = a.paneHeight()

	switch {
	case start.HasFrom:
		a.rawCursor = start.From
	case start.HasBytes:
		a.byteOffset = start.BytesOffset
		a.byteFromEnd = start.BytesFromEnd
		a.byteResolvSet = true
	case start.Head:
		a.rawCursor = 0
	case start.Lines > 0:
		a.tailLines = start.Lines
		a.tailLinesSet = true
	}

	a.pipeline.Raw.Center(a.rawCursor, a.lastHeight)
	a.pipeline.Filtered.Center(a.filtCursor, a.lastHeight)

	return a
}

func (a *App) initUI() {
	a.rawView = tview.NewTextView()
	a.rawView.SetDynamicColors(true)
	a.rawView.SetBorder(true)
	a.rawView.SetTitle("Source")

	a.filteredView = tview.NewTextView()
	a.filteredView.SetDynamicColors(true)
	a.filteredView.SetBorder(true)
	a.filteredView.SetTitle("Filtered")

	a.filterInput = tview.NewInputField()
	a.filterInput.SetLabel("Filter: ")
	a.filterInput.SetFieldWidth(40)

	a.searchInput = tview.NewInputField()
	a.searchInput.SetLabel("Search: ")
	a.searchInput.SetFieldWidth(40)

	a.saveInput = tview.NewInputField()
	a.saveInput.SetLabel("Save as: ")
	a.saveInput.SetFieldWidth(40)

	a.viewModal = tview.NewTextView()
	a.viewModal.SetDynamicColors(true)
	a.viewModal.SetWordWrap(true)
	a.viewModal.SetBackgroundColor(tcell.ColorDarkGray)
	a.viewModal.SetBorder(true)
	a.viewModal.SetTitle("View Line - press Esc to close")

	a.progressBar = tview.NewTextView()
	a.progressBar.SetDynamicColors(true)

	a.helpText = tview.NewTextView()
	a.helpText.SetDynamicColors(true)
	a.helpText.SetTextColor(tcell.ColorYellow)
	a.helpText.SetText("Press 'h' for help")

	panes := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(a.rawView, 0, 1, false).
		AddItem(a.filteredView, 0, 1, false)

	a.flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(panes, 0, 8, false).
		AddItem(a.filterInput, 0, 0, false).
		AddItem(a.searchInput, 0, 0, false).
		AddItem(a.saveInput, 0, 0, false).
		AddItem(a.progressBar, 1, 0, false).
		AddItem(a.helpText, 1, 0, false)

	a.tviewApp.SetRoot(a.flex, true)
	a.tviewApp.SetFocus(a.rawView)
	a.focus = focusRaw
}

func (a *App) setupHandlers() {
	a.tviewApp.SetInputCapture(a.handleGlobalInput)

	a.filterInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.applyFilterInput()
		}
		a.hideModal(a.filterInput)
	})
	a.searchInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.performSearch()
		}
		a.hideModal(a.searchInput)
	})
	a.saveInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.performSave()
		}
		a.hideModal(a.saveInput)
	})
}

// Run starts the pipeline's rendering loop and blocks until the UI
// exits.
func (a *App) Run() error {
	go a.renderLoop()
	return a.tviewApp.Run()
}

func (a *App) renderLoop() {
	for range a.pipeline.RenderTicks() {
		if h := a.paneHeight(); h != a.lastHeight {
			a.lastHeight = h
			a.pipeline.Raw.Center(a.rawCursor, h)
			a.pipeline.Filtered.Center(a.filtCursor, h)
		}
		snapRaw := a.pipeline.Raw.Snapshot()
		snapFiltered := a.pipeline.Filtered.Snapshot()

		if a.tailLinesSet && snapRaw.LineCount > 0 {
			a.tailLinesSet = false
			a.rawCursor = snapRaw.LineCount - a.tailLines
			if a.rawCursor < 0 {
				a.rawCursor = 0
			}
			a.pipeline.Raw.Center(a.rawCursor, a.lastHeight)
			snapRaw = a.pipeline.Raw.Snapshot()
		}

		if a.byteResolvSet && snapRaw.ByteCount > 0 {
			offset := a.byteOffset
			if a.byteFromEnd {
				offset = snapRaw.ByteCount - a.byteOffset
				if offset < 0 {
					offset = 0
				}
			}
			a.byteResolvSet = false
			a.rawCursor = a.pipeline.Indexer.LineAtByte(offset)
			a.pipeline.Raw.Center(a.rawCursor, a.lastHeight)
			snapRaw = a.pipeline.Raw.Snapshot()
		}
		a.tviewApp.QueueUpdateDraw(func() {
			a.renderPane(a.rawView, snapRaw, a.rawCursor)
			a.renderPane(a.filteredView, snapFiltered, a.filtCursor)
			a.updateProgressBar(snapRaw, snapFiltered)
		})
	}
}

func (a *App) renderPane(view *tview.TextView, snap viewcache.Snapshot, cursor int) {
	var b strings.Builder
	for ln := snap.Start; ln < snap.End; ln++ {
		text, ok := snap.Lines[ln]
		if !ok {
			continue
		}
		line := tview.Escape(text)
		fg, bg, matched := a.colours.Colour(text)
		if matched {
			line = fmt.Sprintf("[%s:%s]%s[-:-]", colourTag(fg), colourTag(bg), line)
		}
		if ln == cursor {
			line = "[::r]" + line + "[::-]"
		}
		fmt.Fprintln(&b, line)
	}
	if snap.Gone {
		fmt.Fprintf(&b, "\n[red]source unavailable: %s[-]\n", snap.GoneReason)
	}
	view.SetText(b.String())
}

func colourTag(c rules.Colour) string {
	if c == rules.Default {
		return "-"
	}
	return string(c)
}

func (a *App) updateProgressBar(raw, filtered viewcache.Snapshot) {
	cols, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 {
		cols = 80
	}
	pct := 0.0
	if raw.LineCount > 0 {
		pct = float64(a.rawCursor+1) / float64(raw.LineCount) * 100
	}
	status := fmt.Sprintf("raw: %d/%d (%.0f%%)  filtered: %d/%d  autosync:%v",
		a.rawCursor+1, raw.LineCount, pct, a.filtCursor+1, filtered.LineCount, a.autoSync)
	if len(status) > cols {
		status = status[:cols]
	}
	a.progressBar.SetText(status)
}

func (a *App) handleGlobalInput(event *tcell.EventKey) *tcell.EventKey {
	if a.focus == focusFilterInput || a.focus == focusSearchInput || a.focus == focusSaveInput {
		return event
	}

	if event.Key() == tcell.KeyEscape && a.focus == focusViewModal {
		a.closeModal()
		return nil
	}
	if event.Key() == tcell.KeyTab {
		a.cycleFocus()
		return nil
	}

	switch event.Rune() {
	case keyBindings["quit"]:
		a.quit()
		return nil
	case keyBindings["help"]:
		a.showHelp()
		return nil
	case keyBindings["filter"]:
		a.showModal(a.filterInput, focusFilterInput)
		return nil
	case keyBindings["search"]:
		a.showModal(a.searchInput, focusSearchInput)
		return nil
	case keyBindings["save"]:
		a.showModal(a.saveInput, focusSaveInput)
		return nil
	case keyBindings["next"]:
		a.nextSearchResult()
		return nil
	case keyBindings["tail"]:
		a.toggleTailing()
		return nil
	case keyBindings["autosync"]:
		a.autoSync = !a.autoSync
		return nil
	case keyBindings["view"]:
		a.showLineModal()
		return nil
	case 'j':
		a.moveCursor(1)
		return nil
	case 'k':
		a.moveCursor(-1)
		return nil
	case 'g':
		a.gotoLine(0)
		return nil
	case 'G':
		a.gotoEnd()
		return nil
	}

	switch event.Key() {
	case tcell.KeyDown:
		a.moveCursor(1)
		return nil
	case tcell.KeyUp:
		a.moveCursor(-1)
		return nil
	case tcell.KeyPgDn:
		a.moveCursor(a.paneHeight())
		return nil
	case tcell.KeyPgUp:
		a.moveCursor(-a.paneHeight())
		return nil
	}

	return event
}

func (a *App) activeCache() *viewcache.Cache {
	if a.focus == focusFiltered {
		return a.pipeline.Filtered
	}
	return a.pipeline.Raw
}

func (a *App) paneHeight() int {
	_, _, _, h := a.rawView.GetInnerRect()
	if h <= 0 {
		return 20
	}
	return h
}

func (a *App) moveCursor(delta int) {
	height := a.paneHeight()
	if a.focus == focusFiltered {
		a.filtCursor += delta
		if a.filtCursor < 0 {
			a.filtCursor = 0
		}
		a.pipeline.Filtered.Center(a.filtCursor, height)
		if a.autoSync {
			a.pipeline.SyncToFilteredLine(a.filtCursor, height)
		}
		return
	}
	a.rawCursor += delta
	if a.rawCursor < 0 {
		a.rawCursor = 0
	}
	a.pipeline.Raw.Center(a.rawCursor, height)
	if a.autoSync {
		a.pipeline.SyncToSourceLine(a.rawCursor, height)
	}
}

func (a *App) gotoLine(lineNo int) {
	height := a.paneHeight()
	if a.focus == focusFiltered {
		a.filtCursor = lineNo
		a.pipeline.Filtered.Center(lineNo, height)
		return
	}
	a.rawCursor = lineNo
	a.pipeline.Raw.Center(lineNo, height)
}

func (a *App) gotoEnd() {
	snap := a.pipeline.Raw.Snapshot()
	if a.focus == focusFiltered {
		snap = a.pipeline.Filtered.Snapshot()
	}
	a.gotoLine(snap.LineCount - 1)
}

func (a *App) toggleTailing() {
	snap := a.pipeline.Raw.Snapshot()
	a.pipeline.Raw.SetTailing(!snap.Tailing)
	a.pipeline.Filtered.SetTailing(!snap.Tailing)
}

func (a *App) cycleFocus() {
	switch a.focus {
	case focusRaw:
		a.focus = focusFiltered
		a.tviewApp.SetFocus(a.filteredView)
	case focusFiltered:
		a.focus = focusRaw
		a.tviewApp.SetFocus(a.rawView)
	}
}

func (a *App) showModal(input *tview.InputField, state FocusState) {
	a.preModal = a.focus
	a.focus = state
	input.SetText("")
	a.setRowVisible(input, 1)
	a.tviewApp.SetFocus(input)
}

func (a *App) hideModal(input *tview.InputField) {
	a.setRowVisible(input, 0)
	a.focus = a.preModal
	a.restoreFocusWidget()
}

func (a *App) restoreFocusWidget() {
	switch a.focus {
	case focusFiltered:
		a.tviewApp.SetFocus(a.filteredView)
	default:
		a.tviewApp.SetFocus(a.rawView)
	}
}

func (a *App) setRowVisible(item tview.Primitive, height int) {
	a.flex.ResizeItem(item, height, 0)
}

func (a *App) applyFilterInput() {
	text := a.filterInput.GetText()
	if strings.TrimSpace(text) == "" {
		spec, _ := filter.NewFilterSpec(filter.Disabled, "")
		a.pipeline.SetFilter(spec)
		if a.log != nil {
			a.log.LogAction("filter cleared")
		}
		return
	}
	spec, err := rules.ParseRule(text)
	if err != nil {
		if a.log != nil {
			a.log.Errorf("invalid filter %q: %v", text, err)
		}
		return
	}
	a.pipeline.SetFilter(spec)
	if a.log != nil {
		a.log.LogAction("filter changed: " + text)
	}
}

func (a *App) performSearch() {
	a.searchTerm = a.searchInput.GetText()
	spec, err := filter.NewFilterSpec(filter.SimpleCaseInsensitive, a.searchTerm)
	if err != nil {
		return
	}
	snap := a.activeSnapshot()
	a.searchHits = nil
	for ln := snap.Start; ln < snap.End; ln++ {
		if text, ok := snap.Lines[ln]; ok && spec.Matches(text) {
			a.searchHits = append(a.searchHits, ln)
		}
	}
	a.searchIndex = -1
	a.nextSearchResult()
}

func (a *App) nextSearchResult() {
	if len(a.searchHits) == 0 {
		return
	}
	a.searchIndex = (a.searchIndex + 1) % len(a.searchHits)
	a.gotoLine(a.searchHits[a.searchIndex])
}

func (a *App) activeSnapshot() viewcache.Snapshot {
	if a.focus == focusFiltered {
		return a.pipeline.Filtered.Snapshot()
	}
	return a.pipeline.Raw.Snapshot()
}

func (a *App) performSave() {
	name := a.saveInput.GetText()
	if strings.TrimSpace(name) == "" {
		return
	}
	snap := a.activeSnapshot()
	var b strings.Builder
	for ln := snap.Start; ln < snap.End; ln++ {
		if text, ok := snap.Lines[ln]; ok {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	if err := os.WriteFile(name, []byte(b.String()), 0644); err != nil {
		if a.log != nil {
			a.log.Errorf("save to %s failed: %v", name, err)
		}
		return
	}
	if a.log != nil {
		a.log.LogAction("saved view to " + name)
	}
}

func (a *App) showLineModal() {
	snap := a.activeSnapshot()
	cursor := a.rawCursor
	if a.focus == focusFiltered {
		cursor = a.filtCursor
	}
	text, ok := snap.Lines[cursor]
	if !ok {
		text = "(line not loaded)"
	}
	a.viewModal.SetText(tview.Escape(text))
	a.preModal = a.focus
	a.focus = focusViewModal
	a.flex.ResizeItem(a.viewModal, 0, 8)
	a.tviewApp.SetFocus(a.viewModal)
}

func (a *App) closeModal() {
	a.flex.ResizeItem(a.viewModal, 0, 0)
	a.focus = a.preModal
	a.restoreFocusWidget()
}

func (a *App) showHelp() {
	help := strings.Join([]string{
		"j/k, arrows: move   PgUp/PgDn: page   g/G: top/bottom",
		"Tab: switch pane    " + string(keyBindings["filter"]) + ": set filter",
		string(keyBindings["search"]) + ": search           " + string(keyBindings["next"]) + ": next match",
		string(keyBindings["tail"]) + ": toggle tailing    " + string(keyBindings["autosync"]) + ": toggle auto-sync",
		string(keyBindings["view"]) + ": view full line    " + string(keyBindings["save"]) + ": save visible lines",
		string(keyBindings["quit"]) + ": quit",
	}, "\n")
	a.viewModal.SetText(help)
	a.viewModal.SetTitle("Help - press Esc to close")
	a.preModal = a.focus
	a.focus = focusViewModal
	a.flex.ResizeItem(a.viewModal, 0, 8)
	a.tviewApp.SetFocus(a.viewModal)
}

func (a *App) quit() {
	if a.log != nil {
		a.log.LogAction("quit")
	}
	a.tviewApp.Stop()
}

// parseLineNumber parses a user-entered 1-based line number into its
// 0-based index, matching the teacher's numeric goto-line inputs.
func parseLineNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid line number %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("line number must be positive")
	}
	return n - 1, nil
}
