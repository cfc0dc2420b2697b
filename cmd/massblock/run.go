package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blocktools/massblock/internal/cache"
	"github.com/blocktools/massblock/internal/client"
	"github.com/blocktools/massblock/internal/credentials"
	"github.com/blocktools/massblock/internal/engine"
	"github.com/blocktools/massblock/internal/history"
	"github.com/blocktools/massblock/internal/lockfile"
	"github.com/blocktools/massblock/internal/recovery"
	"github.com/blocktools/massblock/internal/targets"
	"github.com/blocktools/massblock/internal/types"
	"github.com/blocktools/massblock/internal/ui"
)

// components is the assembled object graph for a run. Close releases
// the history store and the advisory lock, in that order.
type components struct {
	Creds   *credentials.Store
	History *history.Store
	Cache   *cache.Cache
	Client  *client.Client
	Engine  *engine.Engine

	lock *lockfile.Lock
}

func (c *components) Close() {
	if c.History != nil {
		_ = c.History.Close()
	}
	if c.lock != nil {
		_ = c.lock.Release()
	}
}

// buildComponents wires credentials, history, cache, recovery, client
// and engine together. withLock guards write paths; read-only actions
// skip it so they can run beside an active engine.
func buildComponents(ctx context.Context, cfg *config, printer *ui.Printer, withLock bool) (*components, error) {
	c := &components{}

	if withLock {
		lock, err := lockfile.Acquire(cfg.DBPath, Version)
		if err != nil {
			if errors.Is(err, lockfile.ErrLockBusy) {
				return nil, lockBusyError(cfg.DBPath)
			}
			return nil, fmt.Errorf("locking history database: %w", err)
		}
		c.lock = lock
	}

	hist, err := history.New(ctx, cfg.DBPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	c.History = hist

	c.Creds = credentials.NewStore(cfg.CookiesPath, credentials.DefaultTTL)
	mapping, err := c.Creds.Load()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("loading credentials from %s: %w", cfg.CookiesPath, err)
	}

	userCache, err := cache.New(cfg.CacheDir, mapping.OwnerID())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("opening cache at %s: %w", cfg.CacheDir, err)
	}
	c.Cache = userCache

	coordinator := recovery.New(c.Creds, printer)
	c.Client = client.New(c.Creds, coordinator, printer, client.Options{
		DisableEnhancedHeaders: plainHeaders,
		EnableForwardedFor:     forwardedFor,
	})

	eng := engine.New(hist, userCache, c.Client, printer)
	if delaySeconds >= 0 {
		eng.SliceDelay = time.Duration(delaySeconds * float64(time.Second))
	}
	c.Engine = eng
	return c, nil
}

// openHistoryLocked opens just the history store under the advisory
// lock, for maintenance actions that write rows but never touch the
// remote API.
func openHistoryLocked(ctx context.Context, cfg *config) (*history.Store, func(), error) {
	lock, err := lockfile.Acquire(cfg.DBPath, Version)
	if err != nil {
		if errors.Is(err, lockfile.ErrLockBusy) {
			return nil, nil, lockBusyError(cfg.DBPath)
		}
		return nil, nil, fmt.Errorf("locking history database: %w", err)
	}
	hist, err := history.New(ctx, cfg.DBPath)
	if err != nil {
		_ = lock.Release()
		return nil, nil, fmt.Errorf("opening history database: %w", err)
	}
	release := func() {
		_ = hist.Close()
		_ = lock.Release()
	}
	return hist, release, nil
}

// lockBusyError reads the holder's identity out of the lock file so
// the message names the competing process.
func lockBusyError(dbPath string) error {
	info, err := lockfile.ReadInfo(dbPath)
	if err != nil || info == nil {
		return fmt.Errorf("another massblock process holds %s.lock", dbPath)
	}
	return fmt.Errorf("another massblock process (pid %d, started %s) holds %s.lock",
		info.PID, info.StartedAt.Format(time.RFC3339), dbPath)
}

// runProcess is the default action: a processing pass over the targets
// file, capped to test mode unless --all is given.
func runProcess(ctx context.Context, cfg *config, printer *ui.Printer) error {
	list, err := targets.Load(cfg.UsersFile)
	if err != nil {
		return fmt.Errorf("loading targets from %s: %w", cfg.UsersFile, err)
	}

	c, err := buildComponents(ctx, cfg, printer, true)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := printBriefStats(ctx, c.History, printer); err != nil {
		return err
	}

	limit := engine.TestModeLimit
	if allFlag {
		limit = 0
	}
	if maxUsers > 0 && (limit == 0 || maxUsers < limit) {
		limit = maxUsers
	}
	if !allFlag {
		printer.Infof("test mode: processing at most %d targets (use --all for the full list)", limit)
	}

	counters, runErr := c.Engine.Run(ctx, list, engine.RunOptions{Limit: limit})
	printSummary(printer, "Processing pass", counters)

	if runErr == nil && allFlag && autoRetryFlag {
		retryCounters, retryErr := c.Engine.RetryPass(ctx)
		printSummary(printer, "Retry pass", retryCounters)
		runErr = retryErr
	}

	if runErr == nil {
		printTelemetry(printer, c.Client)
	}
	return runErr
}

// runRetry runs only the retry pass.
func runRetry(ctx context.Context, cfg *config, printer *ui.Printer) error {
	c, err := buildComponents(ctx, cfg, printer, true)
	if err != nil {
		return err
	}
	defer c.Close()

	counters, err := c.Engine.RetryPass(ctx)
	printSummary(printer, "Retry pass", counters)
	return err
}

func printBriefStats(ctx context.Context, hist *history.Store, printer *ui.Printer) error {
	stats, err := hist.Stats(ctx)
	if err != nil {
		return err
	}
	printer.Infof("history: %d blocked, %d failed (%d retryable)",
		stats.Blocked, stats.Failed, stats.FailedRetryable)
	return nil
}

func printSummary(printer *ui.Printer, label string, c types.Counters) {
	printer.Infof("%s: %d processed, %d blocked, %d skipped, %d errors",
		label, c.Processed, c.Blocked, c.Skipped, c.Errored)
}

// printTelemetry surfaces the enhanced-header quality report when
// enough samples accumulated to say something useful.
func printTelemetry(printer *ui.Printer, cl *client.Client) {
	report := cl.Telemetry().Report()
	if report.Recommendation == "" || report.EnhancedCalls+report.PlainCalls == 0 {
		return
	}
	printer.Debugf("header telemetry: %d enhanced (%d ok), %d plain (%d ok): %s",
		report.EnhancedCalls, report.EnhancedOK,
		report.PlainCalls, report.PlainOK, report.Recommendation)
}
