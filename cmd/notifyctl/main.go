package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/config"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/observer"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/relay"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/sender"
	"gitlab.com/baristalab/api/telegram-notify-relay/internal/storage"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/logger"
)

const usage = `notifyctl - operational commands for the notification delivery queue

Usage:
  notifyctl <command> [flags]

Commands:
  drain          Run one claim-and-deliver pass over the queue
  stats          Print queue and dedup statistics as JSON
  recent         Print the newest queue rows as JSON
  cleanup        Run the retention sweeps immediately
  retry-failed   Reset stale FAILED jobs back to PENDING
  clear-queue    Delete queue rows (all, or one status via -status)
  send-test      Send a test message to every configured chat
  silence        Manage per-type silence windows (set/clear/status)
`

func main() {
	time.Local = time.UTC

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.LoadConfig("")
	if err != nil {
		fatal("failed to load config: %v", err)
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fatal("failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	observer.InitMetrics(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	repo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		fatal("failed to connect to postgres: %v", err)
	}
	defer repo.Close(ctx)

	queue := repo.Queue()
	dedup := repo.Dedup()

	switch command {
	case "drain":
		runDrain(ctx, cfg, queue)
	case "stats":
		runStats(ctx, queue, dedup)
	case "recent":
		runRecent(ctx, queue, args)
	case "cleanup":
		runCleanup(ctx, cfg, queue, dedup)
	case "retry-failed":
		runRetryFailed(ctx, cfg, queue, args)
	case "clear-queue":
		runClearQueue(ctx, queue, args)
	case "send-test":
		runSendTest(ctx, cfg)
	case "silence":
		runSilence(ctx, cfg, dedup, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
}

func runDrain(ctx context.Context, cfg *config.Config, queue *storage.QueueStore) {
	snd := sender.NewTelegramSender(cfg.Notifier)
	drainer := relay.NewDrainer(cfg.Notifier, queue, snd)

	sent, err := drainer.Drain(ctx)
	if err != nil {
		fatal("drain failed: %v", err)
	}
	fmt.Printf("drain complete: %d notification(s) sent\n", sent)
}

func runStats(ctx context.Context, queue *storage.QueueStore, dedup *storage.DedupStore) {
	reporter := relay.NewReporter(queue, dedup)
	report, err := reporter.Report(ctx)
	if err != nil {
		fatal("stats failed: %v", err)
	}
	printJSON(report)
}

func runRecent(ctx context.Context, queue *storage.QueueStore, args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum number of rows to print")
	_ = fs.Parse(args)

	jobs, err := queue.Recent(ctx, *limit)
	if err != nil {
		fatal("recent failed: %v", err)
	}
	printJSON(jobs)
}

func runCleanup(ctx context.Context, cfg *config.Config, queue *storage.QueueStore, dedup *storage.DedupStore) {
	queueDeleted, err := queue.CleanOld(ctx, cfg.Retention.QueueDays)
	if err != nil {
		fatal("queue cleanup failed: %v", err)
	}
	purged, err := queue.PurgeAged(ctx, cfg.Retention.PurgeDays)
	if err != nil {
		fatal("queue purge failed: %v", err)
	}
	dedupDeleted, err := dedup.CleanOld(ctx, cfg.Retention.DedupDays)
	if err != nil {
		fatal("dedup cleanup failed: %v", err)
	}
	swept, err := dedup.CleanExpiredSilence(ctx)
	if err != nil {
		fatal("silence sweep failed: %v", err)
	}
	fmt.Printf("cleanup complete: %d terminal job(s), %d purged, %d dedup record(s), %d silence window(s) reset\n",
		queueDeleted, purged, dedupDeleted, swept)
}

func runRetryFailed(ctx context.Context, cfg *config.Config, queue *storage.QueueStore, args []string) {
	fs := flag.NewFlagSet("retry-failed", flag.ExitOnError)
	maxAge := fs.Duration("max-age", time.Hour, "only reset jobs failed at least this long ago")
	_ = fs.Parse(args)

	count, err := queue.RetryStale(ctx, *maxAge, cfg.Notifier.MaxAttempts)
	if err != nil {
		fatal("retry-failed failed: %v", err)
	}
	fmt.Printf("%d job(s) reset to PENDING\n", count)
}

func runClearQueue(ctx context.Context, queue *storage.QueueStore, args []string) {
	fs := flag.NewFlagSet("clear-queue", flag.ExitOnError)
	status := fs.String("status", "", "only delete rows in this status (PENDING, PROCESSING, SENT, FAILED)")
	yes := fs.Bool("yes", false, "confirm the deletion")
	_ = fs.Parse(args)

	if !*yes {
		fatal("clear-queue is destructive, rerun with -yes to confirm")
	}

	switch *status {
	case "", string(model.JobPending), string(model.JobProcessing), string(model.JobSent), string(model.JobFailed):
	default:
		fatal("invalid status %q", *status)
	}

	count, err := queue.Clear(ctx, model.JobStatus(*status))
	if err != nil {
		fatal("clear-queue failed: %v", err)
	}
	fmt.Printf("%d row(s) deleted\n", count)
}

func runSendTest(ctx context.Context, cfg *config.Config) {
	snd := sender.NewTelegramSender(cfg.Notifier)
	if err := snd.TestConnection(ctx); err != nil {
		fatal("connection test failed: %v", err)
	}
	fmt.Println("connection test passed")

	if len(cfg.Notifier.ChatIDs) == 0 {
		fmt.Println("no chat ids configured, skipping test message")
		return
	}

	message := fmt.Sprintf("🔔 *Test notification*\n\nSent by notifyctl at %s", time.Now().UTC().Format(time.RFC3339))
	results := snd.SendToMany(ctx, cfg.Notifier.ChatIDs, message)
	failed := 0
	for chatID, outcome := range results {
		if outcome.OK {
			fmt.Printf("chat %s: ok\n", chatID)
		} else {
			fmt.Printf("chat %s: FAILED (%s)\n", chatID, outcome.Description)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runSilence(ctx context.Context, cfg *config.Config, dedup *storage.DedupStore, args []string) {
	if len(args) < 1 {
		fatal("usage: notifyctl silence <set|clear|status> -type <event-type>")
	}
	sub := args[0]

	fs := flag.NewFlagSet("silence", flag.ExitOnError)
	eventType := fs.String("type", "", "event type to operate on")
	duration := fs.Duration("for", cfg.Notifier.SilenceDuration, "silence window length (set only)")
	_ = fs.Parse(args[1:])

	if *eventType == "" {
		fatal("silence requires -type")
	}

	switch sub {
	case "set":
		count, err := dedup.SetSilence(ctx, *eventType, *duration)
		if err != nil {
			fatal("silence set failed: %v", err)
		}
		fmt.Printf("%d record(s) of type %s silenced for %s\n", count, *eventType, *duration)
	case "clear":
		count, err := dedup.ClearSilence(ctx, *eventType)
		if err != nil {
			fatal("silence clear failed: %v", err)
		}
		fmt.Printf("%d silence window(s) cleared for type %s\n", count, *eventType)
	case "status":
		silenced, err := dedup.IsTypeSilenced(ctx, *eventType)
		if err != nil {
			fatal("silence status failed: %v", err)
		}
		if silenced {
			fmt.Printf("type %s is silenced\n", *eventType)
		} else {
			fmt.Printf("type %s is not silenced\n", *eventType)
		}
	default:
		fatal("unknown silence subcommand %q", sub)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
