package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shanelindsay/orchhub/internal/appserver"
	"github.com/shanelindsay/orchhub/internal/artifact"
	"github.com/shanelindsay/orchhub/internal/bus"
	"github.com/shanelindsay/orchhub/internal/config"
	"github.com/shanelindsay/orchhub/internal/githubx"
	"github.com/shanelindsay/orchhub/internal/hub"
	"github.com/shanelindsay/orchhub/internal/localexec"
	"github.com/shanelindsay/orchhub/internal/notify"
	"github.com/shanelindsay/orchhub/internal/oteltail"
	"github.com/shanelindsay/orchhub/internal/vault"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("orchhub %s\n", version)
	case "run":
		if err := runHub(); err != nil {
			slog.Error("hub failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: orchhub <command>\n\nCommands:\n  run        Start the orchestration hub\n  vault      Manage encrypted secrets\n  backup     Back up the .orch state directory\n  restore    Restore the .orch state directory from backup\n  version    Print version\n")
}

func runHub() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting orchhub", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.New(cfg.Bus)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer events.Close()
	if err := events.OpenLog(filepath.Join(cfg.Hub.StateDir, "state.jsonl")); err != nil {
		slog.Warn("event log disabled", "error", err)
	}

	artifacts, err := artifact.New(cfg.Artifact.Dir, cfg.Artifact.CompressThreshold)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}
	defer artifacts.Close()

	var runner localexec.Runner
	switch cfg.LocalExec.Sandbox {
	case "docker":
		runner, err = localexec.NewDockerRunner(cfg.LocalExec.Image, localexec.DefaultAllowList())
		if err != nil {
			return fmt.Errorf("init docker runner: %w", err)
		}
	default:
		runner = localexec.NewHostRunner(localexec.DefaultAllowList())
	}

	var forge *githubx.Adapter
	var githubPoster hub.GitHubPoster
	if cfg.GitHub.Enabled {
		forge = githubx.New(cfg.Backend.Cwd)
		githubPoster = forge
	}

	hubCfg := hub.Config{
		Dangerous:        cfg.Backend.Dangerous,
		AutopilotDefault: cfg.Hub.AutopilotDefault,
		WIPLimit:         cfg.Hub.WIPLimit,
		DigestDebounce:   cfg.Hub.DigestDebounce,
		WatchdogTick:     cfg.Hub.WatchdogTick,
		SchedulerTick:    cfg.Hub.SchedulerTick,
		MaxNudges:        cfg.Hub.MaxNudges,
		DefaultCheckin:   cfg.Hub.DefaultCheckin,
		DefaultBudget:    cfg.Hub.DefaultBudget,
		Model:            cfg.Backend.Model,
		DefaultCwd:       cfg.Backend.Cwd,
	}

	transport, err := appserver.Start(ctx, appserver.StartOpts{
		Binary:    cfg.Backend.Binary,
		Cwd:       cfg.Backend.Cwd,
		Dangerous: cfg.Backend.Dangerous,
	})
	if err != nil {
		// appserver.StartError already names the binary and the probe or
		// launch failure; keep it typed rather than flattening to prose.
		return err
	}

	h := hub.New(hubCfg, transport, events, artifacts, localexec.HubAdapter{Runner: runner}, githubPoster)

	if cfg.GitHub.Enabled {
		stateDir := filepath.Join(cfg.Hub.StateDir, "state")
		state, err := githubx.NewStateStore(stateDir)
		if err != nil {
			return fmt.Errorf("init github state store: %w", err)
		}
		sched := githubx.NewScheduler(cfg.GitHub, cfg.Hub.WIPLimit, cfg.Backend.Cwd, h, forge, state)

		sub := events.Subscribe()
		defer sub.Close()
		go mirrorToScheduler(ctx, sub, sched)
		go func() {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("github scheduler stopped", "error", err)
			}
		}()
		go stallLoop(ctx, sched, cfg.GitHub.PollInterval)
	}

	telegramToken := resolveTelegramToken(cfg)
	if telegramToken != "" {
		notifyCfg := cfg.Telegram
		notifyCfg.Token = telegramToken
		n, err := notify.New(notifyCfg, h, events)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		go func() {
			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("telegram notifier stopped", "error", err)
			}
		}()
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	if cfg.Backend.OtelLogPath != "" {
		tailer := oteltail.New(cfg.Backend.OtelLogPath, 0)
		go func() {
			if err := tailer.Run(ctx, func(ev oteltail.Event) {
				h.Heartbeat(ev.ConversationID, ev.Name)
			}); err != nil && ctx.Err() == nil {
				slog.Warn("otel tailer stopped", "error", err)
			}
		}()
	}

	if err := h.Start(ctx, seedText(cfg)); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-h.Done():
		slog.Info("shutting down, hub stopped")
	}
	cancel()
	h.Stop(context.Background())
	return nil
}

// mirrorToScheduler feeds every bus event to the GitHub scheduler's event
// mirror, draining the subscription until ctx is canceled.
func mirrorToScheduler(ctx context.Context, sub *bus.Subscription, sched *githubx.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			sched.HandleEvent(ev)
		}
	}
}

// stallLoop runs CheckStalls every interval (the caller passes the GitHub
// poll interval; a poll_cron schedule does not change this cadence), so a
// stalled issue gets labeled without waiting for its own agent to produce
// the next hub event.
func stallLoop(ctx context.Context, sched *githubx.Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.CheckStalls()
		}
	}
}

// resolveTelegramToken prefers an explicitly configured token, then falls
// back to the encrypted vault so a token never has to sit in plaintext in
// orch.yaml or the process environment.
func resolveTelegramToken(cfg *config.Config) string {
	if cfg.Telegram.Token != "" {
		return cfg.Telegram.Token
	}
	if cfg.Vault.Passphrase == "" {
		return ""
	}
	store := vault.NewStore(cfg.Vault.Path, vault.New(cfg.Vault.Passphrase))
	token, ok, err := store.Get("telegram_token")
	if err != nil {
		slog.Warn("failed to read telegram token from vault", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return string(token)
}

func seedText(cfg *config.Config) string {
	githubState := "disabled"
	if cfg.GitHub.Enabled {
		githubState = "enabled, repo " + cfg.GitHub.Repo
	}
	return fmt.Sprintf("backend: %s\ncwd: %s\ngithub scheduler: %s\nwip limit: %d",
		cfg.Backend.Binary, cfg.Backend.Cwd, githubState, cfg.Hub.WIPLimit)
}
