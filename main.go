package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Process exit codes by run outcome.
const (
	exitSuccess = 0
	exitError   = 1
	exitTimeout = 2
	exitAborted = 130
)

func exitCode(o Outcome) int {
	switch o {
	case OutcomeSuccess:
		return exitSuccess
	case OutcomeTimeout:
		return exitTimeout
	case OutcomeAborted:
		return exitAborted
	default:
		return exitError
	}
}

// app carries the flags and loaded state shared by every command.
type app struct {
	fs  afero.Fs
	out io.Writer

	configPath string
	debug      bool
	dryRun     bool
	headless   bool
	maxCycles  int
	timeout    float64
	dropTimes  []string

	settings *Settings
	log      zerolog.Logger
	code     int
}

func main() {
	if err := InitLocale(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Locale initialization failed, using default English: %v\n", err)
	}
	checkUserDataDirPermissions()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{fs: afero.NewOsFs(), out: os.Stdout}
	cmd := newRootCmd(a)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if a.code == exitSuccess {
			a.code = exitError
		}
	}
	stop()
	os.Exit(a.code)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "dropwatch",
		Short:         "Watch a product page and walk it through checkout when it drops",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "config.yaml", "Path to configuration file")
	pf.BoolVar(&a.debug, "debug", false, "Enable detailed debug logging")
	pf.BoolVar(&a.dryRun, "dry-run", false, "Stop before the final order submit")
	pf.BoolVar(&a.headless, "headless", false, "Run the browser without a window")
	pf.IntVar(&a.maxCycles, "max-cycles", 0, "Stop after this many monitor cycles (0 = unlimited)")
	pf.Float64Var(&a.timeout, "timeout", 0, "Stop after this many seconds (0 = unlimited)")
	pf.StringSliceVar(&a.dropTimes, "drop-time", nil, "Drop time in UTC, e.g. \"2025-01-15 16:00\"; repeatable")

	root.AddCommand(newProductsCmd(a), newMonitorCmd(a), newInspectCmd(a))
	return root
}

// load reads the settings file and applies flag overrides.
func (a *app) load(cmd *cobra.Command) error {
	settings, err := LoadSettings(a.fs, a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if a.debug {
		settings.DebugMode = true
	}
	if a.dryRun {
		settings.DryRun = true
	}
	if flags.Changed("headless") {
		settings.Headless = a.headless
	}
	if flags.Changed("max-cycles") {
		settings.MaxCycles = a.maxCycles
	}
	if flags.Changed("timeout") {
		settings.RunTimeout = a.timeout
	}
	if len(a.dropTimes) > 0 {
		settings.DropWindows = a.dropTimes
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	a.settings = settings
	a.log = NewLogger(os.Stderr, settings.DebugMode)
	return nil
}

func newProductsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "Manage the watched products file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List watched products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := NewProductStore(a.fs, a.settings.ProductsFile, a.log).List()
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Fprintln(a.out, T("products_none"))
				return nil
			}
			for i, t := range targets {
				size := t.PreferredSize
				if size == "" {
					size = "-"
				}
				fmt.Fprintf(a.out, "%2d. %s [%s]\n", i+1, t.Name, size)
				for _, u := range t.URLVariants {
					fmt.Fprintf(a.out, "      %s\n", u)
				}
			}
			return nil
		},
	})

	var size string
	add := &cobra.Command{
		Use:   "add <url[,url...]> <name>",
		Short: "Append a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := ParseProductLine(args[0] + "|" + args[1] + "|" + size)
			if err != nil {
				return err
			}
			if err := NewProductStore(a.fs, a.settings.ProductsFile, a.log).Add(t); err != nil {
				return err
			}
			fmt.Fprintf(a.out, T("products_added")+"\n", t.Name)
			return nil
		},
	}
	add.Flags().StringVar(&size, "size", "", "Preferred size")
	cmd.AddCommand(add)

	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	var url, name, size string

	cmd := &cobra.Command{
		Use:   "monitor [index]",
		Short: "Monitor a product until it is bought, times out or is stopped",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.resolveTarget(args, url, name, size)
			if err != nil {
				return err
			}
			result, err := a.monitor(cmd.Context(), target)
			a.code = exitCode(result.Outcome)
			fmt.Fprintf(a.out, T("monitor_result")+"\n", result.Outcome, result.Reached, result.Err, result.Cycles, result.RunID)
			if err != nil {
				return err
			}
			if result.Outcome == OutcomeError {
				return fmt.Errorf("run failed: %s", result.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Product URL, comma-separated for variants")
	cmd.Flags().StringVar(&name, "name", "", "Product name to match on the page")
	cmd.Flags().StringVar(&size, "size", "", "Preferred size")
	return cmd
}

// resolveTarget picks the product by 1-based index into the products file,
// or builds one from the flags.
func (a *app) resolveTarget(args []string, url, name, size string) (Target, error) {
	if url != "" {
		if name == "" {
			return Target{}, errors.New("--name is required with --url")
		}
		return ParseProductLine(url + "|" + name + "|" + size)
	}

	targets, err := NewProductStore(a.fs, a.settings.ProductsFile, a.log).List()
	if err != nil {
		return Target{}, err
	}
	if len(targets) == 0 {
		return Target{}, fmt.Errorf("no products in %s; add one with 'products add' or pass --url", a.settings.ProductsFile)
	}

	idx := 1
	if len(args) == 1 {
		idx, err = strconv.Atoi(args[0])
		if err != nil || idx < 1 || idx > len(targets) {
			return Target{}, fmt.Errorf("product index must be 1..%d", len(targets))
		}
	}
	t := targets[idx-1]
	if size != "" {
		t.PreferredSize = size
	}
	return t, nil
}

func (a *app) monitor(ctx context.Context, target Target) (RunResult, error) {
	if a.settings.DryRun {
		a.log.Info().Msg(T("dry_run_mode"))
	}

	profile, err := LoadProfile(a.fs, a.settings.ProfileFile)
	if err != nil {
		return RunResult{Outcome: OutcomeError}, err
	}

	session := NewSession(a.settings, a.log)
	defer func() {
		if err := session.Close(); err != nil {
			a.log.Warn().Err(err).Msg("browser cleanup failed")
		}
	}()
	if err := session.Start(ctx); err != nil {
		return RunResult{Outcome: OutcomeError, Err: KindFatalSession}, err
	}

	// Losing the browser cancels the run with a cause the scheduler maps to
	// a fatal session error.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-session.Done():
			cancel(ErrFatalSession)
		case <-ctx.Done():
		}
	}()

	pacer := NewPacer(a.settings)
	probe := NewRodProbe(session.Page(), a.settings, pacer, a.log)
	autofill := NewFormAutofill(probe, NewClassifier(a.settings), profile, a.settings, a.log)
	scheduler := NewScheduler(probe, autofill, a.settings, a.log)
	if a.settings.RespectRobots {
		scheduler.WithRobots(NewRobotsGate(a.settings.UserAgent))
	}

	if len(a.settings.DropWindows) > 0 {
		clock := NewTimeSync(a.settings.TimeServers, a.log)
		return NewDropOrchestrator(a.settings, clock, a.log).Run(ctx, scheduler, target)
	}
	return scheduler.Run(ctx, target), nil
}

func newInspectCmd(a *app) *cobra.Command {
	var name, size, url string

	cmd := &cobra.Command{
		Use:   "inspect <file.html>",
		Short: "Classify a saved page offline and print what the monitor would see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := afero.ReadFile(a.fs, args[0])
			if err != nil {
				return err
			}
			if url == "" {
				url = "file://" + args[0]
			}
			page, err := NewPage(url, string(data))
			if err != nil {
				return err
			}
			return a.inspect(page, Target{URLVariants: []string{url}, Name: name, PreferredSize: size})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Product name to match")
	cmd.Flags().StringVar(&size, "size", "", "Preferred size")
	cmd.Flags().StringVar(&url, "url", "", "URL the page was saved from")
	return cmd
}

func (a *app) inspect(page *Page, target Target) error {
	w := a.out
	sentinel := NewSentinel(a.settings, a.log)
	classifier := NewClassifier(a.settings)

	verdict := sentinel.Assess(page)
	fmt.Fprintf(w, "Title:    %s\n", page.Title)
	fmt.Fprintf(w, "Verdict:  %s\n", verdict)
	for _, m := range sentinel.challengeSummary(page) {
		fmt.Fprintf(w, "          %s\n", m)
	}
	fmt.Fprintf(w, "Confirmed: %t\n", classifier.Confirmed(page))

	if target.Name != "" {
		score, found := classifier.NameFound(page, target)
		fmt.Fprintf(w, "Name:     %.2f (found=%t)\n", score.Value, found)
	}

	fmt.Fprintln(w, "\nCandidates:")
	candidates := classifier.Classify(page, target)
	if len(candidates) == 0 {
		fmt.Fprintln(w, "  none")
	}
	for i, c := range candidates {
		fmt.Fprintf(w, "  %d. [%s/%s %.2f] %q\n     %s\n", i+1, c.Kind, priorityName(c.Priority), c.Score.Value, c.Text, c.Locator)
	}

	if opts := classifier.SizeOptions(page); len(opts) > 0 {
		var sizes []string
		for _, o := range opts {
			label := o.Text
			if !o.Available {
				label += " (unavailable)"
			}
			sizes = append(sizes, label)
		}
		fmt.Fprintf(w, "\nSizes:    %s\n", strings.Join(sizes, ", "))
		if target.PreferredSize != "" {
			if choice, exact, ok := PickSize(opts, target.PreferredSize); ok {
				fmt.Fprintf(w, "Pick:     %s (exact=%t)\n", choice.Text, exact)
			}
		}
	}
	return nil
}

// Store init error for later display (after locale is loaded)
var initUserDataDirError error

func init() {
	userDataDir := getUserDataDir()
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		initUserDataDirError = err
	}
}

func checkUserDataDirPermissions() {
	if initUserDataDirError == nil {
		return
	}
	userDataDir := getUserDataDir()
	if runtime.GOOS == "darwin" && strings.Contains(initUserDataDirError.Error(), "operation not permitted") {
		fmt.Fprintln(os.Stderr, T("error_macos_permission_header"))
		fmt.Fprintf(os.Stderr, T("error_macos_permission_location")+"\n", userDataDir)
		fmt.Fprintln(os.Stderr, T("error_macos_permission_fix"))
	}
	fmt.Fprintf(os.Stderr, T("error_user_data_dir_warning")+"\n", initUserDataDirError)
}
