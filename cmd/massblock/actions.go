package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/blocktools/massblock/internal/client"
	"github.com/blocktools/massblock/internal/credentials"
	"github.com/blocktools/massblock/internal/history"
	"github.com/blocktools/massblock/internal/recovery"
	"github.com/blocktools/massblock/internal/targets"
	"github.com/blocktools/massblock/internal/types"
	"github.com/blocktools/massblock/internal/ui"
)

// runStats prints the full history breakdown. Read-only, so no lock.
func runStats(ctx context.Context, cfg *config, printer *ui.Printer) error {
	hist, err := history.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer hist.Close()

	stats, err := hist.Stats(ctx)
	if err != nil {
		return err
	}
	breakdown, err := hist.Breakdown(ctx)
	if err != nil {
		return err
	}
	candidates, err := hist.RetryCandidates(ctx)
	if err != nil {
		return err
	}
	last, err := hist.LastSession(ctx)
	if err != nil {
		return err
	}

	printer.Header("Block history")
	printer.Infof("  blocked          %d", stats.Blocked)
	printer.Infof("  failed           %d", stats.Failed)
	printer.Infof("    retryable      %d", stats.FailedRetryable)
	printer.Infof("    permanent      %d", stats.FailedPermanent)
	printer.Infof("    max retries    %d", stats.FailedMaxRetries)
	printer.Infof("  follow conflicts %d", stats.FollowConflicts)
	printer.Infof("  unavailable      %d", stats.Unavailable)
	printer.Infof("  retry candidates %d", len(candidates))

	if len(breakdown.ByKind) > 0 {
		printer.Header("Failures by kind")
		for _, kind := range sortedKinds(breakdown.ByKind) {
			printer.Infof("  %-22s %d", kind, breakdown.ByKind[kind])
		}
	}
	if len(breakdown.ByResponseCode) > 0 {
		printer.Header("Failures by response code")
		for _, code := range sortedCodes(breakdown.ByResponseCode) {
			printer.Infof("  %-22d %d", code, breakdown.ByResponseCode[code])
		}
	}
	if len(breakdown.ByAvailability) > 0 {
		printer.Header("Failures by availability")
		for _, avail := range sortedAvailabilities(breakdown.ByAvailability) {
			printer.Infof("  %-22s %d", avail, breakdown.ByAvailability[avail])
		}
	}

	if last != nil {
		printer.Header("Last session")
		state := ui.RenderWarn("interrupted")
		if last.Completed {
			state = ui.RenderPass("completed")
		}
		printer.Infof("  started %s, %d targets, %d processed (%d blocked, %d skipped, %d errors), %s",
			last.StartedAt.Format("2006-01-02 15:04:05"), last.TotalTargets,
			last.Counters.Processed, last.Counters.Blocked,
			last.Counters.Skipped, last.Counters.Errored, state)
	}
	return nil
}

func sortedKinds(m map[types.ErrorKind]int) []types.ErrorKind {
	out := make([]types.ErrorKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedCodes(m map[int]int) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func sortedAvailabilities(m map[types.Availability]int) []types.Availability {
	out := make([]types.Availability, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// runDebugErrors dumps recent distinct error messages from failed rows.
func runDebugErrors(ctx context.Context, cfg *config, printer *ui.Printer) error {
	hist, err := history.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer hist.Close()

	samples, err := hist.ErrorSamples(ctx, 20)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		printer.Infof("no error messages recorded")
		return nil
	}
	printer.Header("Recent error messages")
	for i, msg := range samples {
		printer.Infof("  %2d. %s", i+1, msg)
	}
	return nil
}

func runResetRetry(ctx context.Context, cfg *config, printer *ui.Printer) error {
	hist, release, err := openHistoryLocked(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	n, err := hist.ResetRetryCounts(ctx)
	if err != nil {
		return err
	}
	printer.Infof("reset retry counters on %d rows", n)
	return nil
}

func runClearErrors(ctx context.Context, cfg *config, printer *ui.Printer) error {
	list, err := targets.Load(cfg.UsersFile)
	if err != nil {
		return fmt.Errorf("loading targets from %s: %w", cfg.UsersFile, err)
	}
	hist, release, err := openHistoryLocked(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	n, err := hist.ClearErrorMessages(ctx, list.Dedupe(), list.Format)
	if err != nil {
		return err
	}
	printer.Infof("cleared error details on %d rows", n)
	return nil
}

func runResetFailed(ctx context.Context, cfg *config, printer *ui.Printer) error {
	list, err := targets.Load(cfg.UsersFile)
	if err != nil {
		return fmt.Errorf("loading targets from %s: %w", cfg.UsersFile, err)
	}
	hist, release, err := openHistoryLocked(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	n, err := hist.ResetFailed(ctx, list.Dedupe(), list.Format)
	if err != nil {
		return err
	}
	printer.Infof("removed %d failed rows; they will be reprocessed on the next run", n)
	return nil
}

// runTestUser resolves one identifier and prints what the platform
// returns. It never blocks, touches history, or takes the lock.
func runTestUser(ctx context.Context, cfg *config, printer *ui.Printer, identifier string) error {
	creds := credentials.NewStore(cfg.CookiesPath, credentials.DefaultTTL)
	if _, err := creds.Load(); err != nil {
		return fmt.Errorf("loading credentials from %s: %w", cfg.CookiesPath, err)
	}

	coordinator := recovery.New(creds, printer)
	cl := client.New(creds, coordinator, printer, client.Options{
		DisableEnhancedHeaders: plainHeaders,
		EnableForwardedFor:     forwardedFor,
	})

	var user *types.FullUser
	if isDigits(identifier) {
		users, err := cl.UsersByIDs(ctx, []string{identifier})
		if err != nil {
			return err
		}
		user = users[identifier]
		if user == nil {
			return fmt.Errorf("no account with id %s", identifier)
		}
	} else {
		u, err := cl.UserByHandle(ctx, identifier)
		if err != nil {
			return err
		}
		user = u
	}

	printer.Header("Account")
	printer.Infof("  id           %s", user.ID)
	printer.Infof("  handle       %s", ui.RenderAccent("@"+user.Handle))
	if user.DisplayName != "" {
		printer.Infof("  name         %s", user.DisplayName)
	}
	printer.Infof("  availability %s", user.Availability)
	if user.Availability == types.AvailActive {
		printer.Infof("  following    %t", user.Following)
		printer.Infof("  followed by  %t", user.FollowedBy)
		printer.Infof("  blocking     %t", user.Blocking)
		printer.Infof("  blocked by   %t", user.BlockedBy)
		printer.Infof("  protected    %t", user.Protected)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
