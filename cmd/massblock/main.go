package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blocktools/massblock/internal/recovery"
	"github.com/blocktools/massblock/internal/ui"
)

var (
	// Action flags. Mutually exclusive; with none set the program runs
	// a processing pass.
	statsFlag       bool
	retryFlag       bool
	resetRetryFlag  bool
	clearErrorsFlag bool
	resetFailedFlag bool
	testUserFlag    string
	debugErrorsFlag bool

	// Modifiers.
	allFlag       bool
	autoRetryFlag bool
	maxUsers      int
	delaySeconds  float64
	cookiesPath   string
	usersFile     string
	dbPath        string
	cacheDir      string
	debugFlag     bool
	plainHeaders  bool
	forwardedFor  bool
)

var rootCmd = &cobra.Command{
	Use:   "massblock",
	Short: "Bulk account blocker with durable history and retry",
	Long: `massblock reads a targets file, blocks every account on it through the
platform API, and records each outcome in a local SQLite history so
interrupted runs resume where they left off.

Without --all it runs in test mode: only the first 5 unprocessed targets
are attempted. Credentials come from a browser cookie export (see
--cookies); refresh that file when the tool reports an auth failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		printer := newPrinter()
		ctx := cmd.Context()

		switch {
		case statsFlag:
			return runStats(ctx, cfg, printer)
		case debugErrorsFlag:
			return runDebugErrors(ctx, cfg, printer)
		case resetRetryFlag:
			return runResetRetry(ctx, cfg, printer)
		case clearErrorsFlag:
			return runClearErrors(ctx, cfg, printer)
		case resetFailedFlag:
			return runResetFailed(ctx, cfg, printer)
		case testUserFlag != "":
			return runTestUser(ctx, cfg, printer, testUserFlag)
		case retryFlag:
			return runRetry(ctx, cfg, printer)
		default:
			return runProcess(ctx, cfg, printer)
		}
	},
}

func init() {
	f := rootCmd.Flags()

	f.BoolVar(&statsFlag, "stats", false, "Show history statistics and exit")
	f.BoolVar(&retryFlag, "retry", false, "Run a retry pass over eligible failed targets")
	f.BoolVar(&resetRetryFlag, "reset-retry", false, "Zero retry counters on failed rows")
	f.BoolVar(&clearErrorsFlag, "clear-errors", false, "Clear stored error details for the targets in the users file")
	f.BoolVar(&resetFailedFlag, "reset-failed", false, "Remove failed rows for the targets in the users file so they are reprocessed")
	f.StringVar(&testUserFlag, "test-user", "", "Look up a single id or handle and print its profile, without blocking")
	f.BoolVar(&debugErrorsFlag, "debug-errors", false, "Print recent distinct error messages")

	f.BoolVar(&allFlag, "all", false, "Process every unprocessed target instead of the first 5")
	f.BoolVar(&autoRetryFlag, "auto-retry", false, "With --all: follow the pass with a retry pass")
	f.IntVar(&maxUsers, "max-users", 0, "Cap the number of targets processed this run")
	f.Float64Var(&delaySeconds, "delay", 1.0, "Pause between slices, in seconds")
	f.StringVar(&cookiesPath, "cookies", "", "Cookie export file (default cookies.json, env COOKIES_PATH)")
	f.StringVar(&usersFile, "users-file", "", "Targets file (default targets.json, env USERS_FILE)")
	f.StringVar(&dbPath, "db", "", "History database path (default block_history.db, env BLOCK_DB)")
	f.StringVar(&cacheDir, "cache-dir", "", "Identifier cache root (default cache, env CACHE_DIR)")
	f.BoolVar(&debugFlag, "debug", false, "Enable debug output")
	f.BoolVar(&plainHeaders, "disable-header-enhancement", false, "Send plain browser headers without per-request synthetic ids")
	f.BoolVar(&forwardedFor, "enable-forwarded-for", false, "Add a session-stable synthetic forwarded-for header")

	rootCmd.MarkFlagsMutuallyExclusive("stats", "retry", "reset-retry",
		"clear-errors", "reset-failed", "test-user", "debug-errors")

	rootCmd.AddCommand(versionCmd)
}

// config holds the resolved file locations after flag/env/default
// precedence is applied.
type config struct {
	CookiesPath string
	UsersFile   string
	DBPath      string
	CacheDir    string
}

// resolveConfig applies flag > environment > built-in default for each
// path the tool needs.
func resolveConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	bindings := []struct {
		key, flag, env, def string
	}{
		{"cookies", "cookies", "COOKIES_PATH", "cookies.json"},
		{"users_file", "users-file", "USERS_FILE", "targets.json"},
		{"db", "db", "BLOCK_DB", "block_history.db"},
		{"cache_dir", "cache-dir", "CACHE_DIR", "cache"},
	}
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, cmd.Flags().Lookup(b.flag)); err != nil {
			return nil, fmt.Errorf("binding --%s: %w", b.flag, err)
		}
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.env, err)
		}
		v.SetDefault(b.key, b.def)
	}
	return &config{
		CookiesPath: v.GetString("cookies"),
		UsersFile:   v.GetString("users_file"),
		DBPath:      v.GetString("db"),
		CacheDir:    v.GetString("cache_dir"),
	}, nil
}

func newPrinter() *ui.Printer {
	return &ui.Printer{Out: os.Stdout, Err: os.Stderr, Debug: debugFlag}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, recovery.ErrCredentialsUnrecoverable):
		// The coordinator already printed the four-line diagnostic.
	case errors.Is(err, context.Canceled):
		fmt.Fprintf(os.Stderr, "%s interrupted\n", ui.RenderWarnIcon())
	default:
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFailIcon(), err)
	}
	os.Exit(1)
}
