// Command otail is an interactive, two-pane terminal viewer for a
// growing log file: one pane shows the raw source, the other a live
// filtered projection of it.
//
// The teacher's main.go imported github.com/jawher/mow.cli, a package
// never declared in go.mod; this replaces it with
// github.com/spf13/cobra, which the teacher's go.mod already declared
// but no teacher file imported.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"otail/internal/config"
	"otail/internal/filter"
	"otail/internal/logging"
	"otail/internal/orchestrator"
	"otail/internal/tui"
)

var (
	flagConfig   string
	flagFilter   string
	flagRegex    bool
	flagCaseSens bool
	flagLogLevel string

	flagFollow     bool
	flagFollowName bool
	flagRetry      bool

	flagLines     int
	flagHead      bool
	flagLinesFrom int
	flagBytes     string
	flagMaxLines  int
	flagRulesFile string
	flagFull      bool
)

func main() {
	defer logging.RecoverCrash()

	root := &cobra.Command{
		Use:   "otail <file>",
		Short: "Interactive two-pane viewer for a growing log file",
		Args:  cobra.ExactArgs(1),
		RunE:  runOtail,
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "", "path to otail.yaml (default: search ./otail.yaml, ./.otail.yaml, then ~/.config)")
	root.Flags().StringVar(&flagFilter, "filter", "", "initial filter pattern for the filtered pane")
	root.Flags().BoolVarP(&flagRegex, "regex", "r", false, "treat --filter as a regular expression")
	root.Flags().BoolVar(&flagCaseSens, "case-sensitive", false, "make a non-regex --filter case sensitive")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "override OTAIL_LOG_LEVEL (debug, info, warn, error, off)")

	root.Flags().BoolVarP(&flagFollow, "follow", "f", true, "follow the file for new lines on startup")
	root.Flags().BoolVarP(&flagFollowName, "follow-name", "F", false, "reopen the file by name if it is rotated or replaced")
	root.Flags().BoolVar(&flagRetry, "retry", false, "keep retrying to open the file if it does not exist yet")

	root.Flags().IntVarP(&flagLines, "lines", "n", 0, "start showing only the last N lines")
	root.Flags().BoolVar(&flagHead, "head", false, "start at the beginning of the file instead of the end")
	root.Flags().IntVar(&flagLinesFrom, "lines-from", -1, "start centered on an explicit 0-based line number")
	root.Flags().StringVar(&flagBytes, "bytes", "", "start N bytes from the end, or +N bytes from the start")
	root.Flags().IntVar(&flagMaxLines, "max-lines", 0, "cap the retained line index to the most recent N lines")
	root.Flags().StringVar(&flagRulesFile, "rules-file", "", "load colouring rules from a separate otail.yaml-shaped file")
	root.Flags().BoolVar(&flagFull, "full", false, "no-op here: the index already covers the whole file for random access")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseBytesSpec parses --bytes the way `tail --bytes` does: a plain
// count means the last N bytes of the file, a "+N" spec means starting
// at byte N from the beginning.
func parseBytesSpec(s string) (offset int64, fromEnd bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	if strings.HasPrefix(s, "+") {
		n, err := strconv.ParseInt(s[1:], 10, 64)
		return n, false, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, true, err
}

func runOtail(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot open %s: %w", path, err)
	}

	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	colours, colourErrs := cfg.ColouringSpec()

	if flagRulesFile != "" {
		rcfg, err := config.Load(flagRulesFile)
		if err != nil {
			return fmt.Errorf("loading --rules-file %s: %w", flagRulesFile, err)
		}
		ruleColours, ruleErrs := rcfg.ColouringSpec()
		colourErrs = append(colourErrs, ruleErrs...)
		for _, r := range ruleColours.Rules {
			colours.Add(r)
		}
	}

	log, err := setupLogging()
	if err != nil {
		return err
	}
	for _, e := range colourErrs {
		log.Warnf("skipping rule: %v", e)
	}
	log.LogAction(fmt.Sprintf("started: file=%s config=%s", path, cfgPath))

	bytesOffset, bytesFromEnd, err := parseBytesSpec(flagBytes)
	if err != nil {
		return fmt.Errorf("invalid --bytes %q: %w", flagBytes, err)
	}

	spec, err := initialFilterSpec()
	if err != nil {
		return err
	}

	pipeline := orchestrator.New(path, spec)
	if flagMaxLines > 0 {
		pipeline.Indexer.SetMaxLines(flagMaxLines)
	}
	pipeline.Reader.SetRetry(flagRetry)
	pipeline.Reader.SetFollowName(flagFollowName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	pipeline.Start(ctx)
	if flagFollow {
		pipeline.Raw.SetTailing(true)
		pipeline.Filtered.SetTailing(true)
	}

	start := tui.StartMode{
		Lines: flagLines,
		Head:  flagHead,
	}
	switch {
	case flagLinesFrom >= 0:
		start.HasFrom = true
		start.From = flagLinesFrom
	case flagBytes != "":
		start.HasBytes = true
		start.BytesOffset = bytesOffset
		start.BytesFromEnd = bytesFromEnd
	}

	app := tui.New(pipeline, colours, log, start)
	if err := app.Run(); err != nil {
		return fmt.Errorf("running UI: %w", err)
	}

	log.LogAction("stopped")
	return nil
}

// loadConfig resolves and loads otail.yaml. An explicit --config path
// must exist: a missing user-specified file is a startup error (exit
// code per spec.md §6), whereas an auto-discovered path is optional and
// falls back to a zero Config.
func loadConfig() (config.Config, string, error) {
	if flagConfig != "" {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return config.Config{}, "", fmt.Errorf("loading --config %s: %w", flagConfig, err)
		}
		return cfg, flagConfig, nil
	}

	path, err := config.FindPath()
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return config.Config{}, "", err
	}
	return cfg, path, nil
}

func setupLogging() (*logging.Logger, error) {
	level := flagLogLevel
	if level == "" {
		level = os.Getenv("OTAIL_LOG_LEVEL")
	}
	logPath, err := logging.DefaultPath()
	if err != nil {
		return nil, err
	}
	return logging.New(logPath, logging.ParseLevel(level))
}

func initialFilterSpec() (filter.FilterSpec, error) {
	if flagFilter == "" {
		return filter.NewFilterSpec(filter.Disabled, "")
	}
	switch {
	case flagRegex:
		return filter.NewFilterSpec(filter.Regex, flagFilter)
	case flagCaseSens:
		return filter.NewFilterSpec(filter.SimpleCaseSensitive, flagFilter)
	default:
		return filter.NewFilterSpec(filter.SimpleCaseInsensitive, flagFilter)
	}
}
