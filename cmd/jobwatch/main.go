package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/you/jobsync"
	"github.com/you/jobsync/feed"
	redisfeed "github.com/you/jobsync/feed/redis"
)

func main() {
	var (
		mode        string
		redisAddr   string
		keyPrefix   string
		watcherID   string
		monitorFile string
		verbose     bool
	)
	flag.StringVar(&mode, "mode", "real", "real or simulated (embedded redis)")
	flag.StringVar(&redisAddr, "redis", "127.0.0.1:6379", "redis address")
	flag.StringVar(&keyPrefix, "prefix", "", "redis key prefix")
	flag.StringVar(&watcherID, "id", "", "watcher id (defaults to a random uuid)")
	flag.StringVar(&monitorFile, "monitor-config", "", "path to YAML monitor tuning file")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	if watcherID == "" {
		watcherID = uuid.NewString()
	}
	logger := stdLogger{verbose: verbose}

	if mode == "simulated" {
		server, err := miniredis.Run()
		if err != nil {
			log.Fatalf("embedded redis: %v", err)
		}
		defer server.Close()
		redisAddr = server.Addr()
		logger.Info("running against embedded redis", jobsync.Field{Key: "addr", Value: redisAddr})
	}

	cfg := jobsync.DefaultConfig()
	if monitorFile != "" {
		if err := applyMonitorFile(&cfg, monitorFile); err != nil {
			log.Fatalf("monitor config: %v", err)
		}
	}

	store, err := redisfeed.New(redisfeed.Options{Addr: redisAddr, KeyPrefix: keyPrefix})
	if err != nil {
		log.Fatalf("redis feed: %v", err)
	}
	defer store.Close()

	mux, err := jobsync.NewMultiplexer(store, logger, jobsync.NopMetrics())
	if err != nil {
		log.Fatalf("multiplexer: %v", err)
	}
	defer mux.Close()

	monitor, err := jobsync.NewMonitor(cfg, store, logger, jobsync.NopMetrics())
	if err != nil {
		log.Fatalf("monitor: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info("jobwatch started",
		jobsync.Field{Key: "watcher", Value: watcherID},
		jobsync.Field{Key: "redis", Value: redisAddr})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(ctx)
	})
	g.Go(func() error {
		w := &watcher{store: store, mux: mux, logger: logger}
		w.repl(ctx)
		cancel()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("jobwatch exited: %v", err)
	}
}

type watcher struct {
	store  *redisfeed.Feed
	mux    *jobsync.Multiplexer
	logger jobsync.Logger

	watched map[string]jobsync.Unsubscribe
}

func (w *watcher) repl(ctx context.Context) {
	w.watched = map[string]jobsync.Unsubscribe{}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "help":
			fmt.Println("commands: watch <job>, unwatch <job>, put <job> <status> [k=v ...], publish <job> <status>, jobs <status>, stats, quit")
			continue
		case "quit", "exit":
			return
		}
		w.handleCommand(ctx, line)
	}
}

func (w *watcher) handleCommand(ctx context.Context, line string) {
	parts := strings.Fields(line)
	switch parts[0] {
	case "watch":
		if len(parts) < 2 {
			fmt.Println("usage: watch <job>")
			return
		}
		jobID := parts[1]
		if _, ok := w.watched[jobID]; ok {
			fmt.Printf("already watching %s\n", jobID)
			return
		}
		unsub, err := w.mux.Subscribe(ctx, jobID, func(u feed.Update) {
			fmt.Printf("[%s] %s -> %s %v\n", u.UpdatedAt.Format(time.RFC3339), u.JobID, u.Status, u.Payload)
		})
		if err != nil {
			fmt.Printf("watch failed: %v\n", err)
			return
		}
		w.watched[jobID] = unsub
		fmt.Printf("watching %s\n", jobID)
	case "unwatch":
		if len(parts) < 2 {
			fmt.Println("usage: unwatch <job>")
			return
		}
		unsub, ok := w.watched[parts[1]]
		if !ok {
			fmt.Printf("not watching %s\n", parts[1])
			return
		}
		unsub()
		delete(w.watched, parts[1])
		fmt.Printf("stopped watching %s\n", parts[1])
	case "put":
		if len(parts) < 3 {
			fmt.Println("usage: put <job> <status> [k=v ...]")
			return
		}
		job := feed.Job{ID: parts[1], Status: parts[2], Payload: parsePayload(parts[3:]), UpdatedAt: time.Now()}
		if err := w.store.PutJob(ctx, job); err != nil {
			fmt.Printf("put failed: %v\n", err)
			return
		}
		fmt.Printf("stored %s as %s\n", job.ID, job.Status)
	case "publish":
		if len(parts) < 3 {
			fmt.Println("usage: publish <job> <status>")
			return
		}
		update := feed.Update{JobID: parts[1], Status: parts[2], UpdatedAt: time.Now()}
		if err := w.store.Publish(ctx, update); err != nil {
			fmt.Printf("publish failed: %v\n", err)
			return
		}
	case "jobs":
		if len(parts) < 2 {
			fmt.Println("usage: jobs <status>")
			return
		}
		jobs, err := w.store.ListJobsByStatus(ctx, parts[1])
		if err != nil {
			fmt.Printf("list failed: %v\n", err)
			return
		}
		for _, job := range jobs {
			fmt.Printf("%s  %s  updated %s\n", job.ID, job.Status, job.UpdatedAt.Format(time.RFC3339))
		}
		fmt.Printf("%d job(s)\n", len(jobs))
	case "stats":
		s := w.mux.Stats()
		fmt.Printf("subscriptions: total=%d active=%d callbacks=%d\n", s.TotalSubscriptions, s.ActiveSubscriptions, s.TotalCallbacks)
		for jobID, n := range s.CallbacksByJob {
			fmt.Printf("  %s: %d callback(s)\n", jobID, n)
		}
	default:
		fmt.Println("unknown command, try help")
	}
}

func parsePayload(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	payload := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		payload[kv[0]] = kv[1]
	}
	return payload
}

type monitorFileConfig struct {
	Poll              string `yaml:"poll"`
	StuckAfter        string `yaml:"stuckAfter"`
	MaxRelabelPerTick int    `yaml:"maxRelabelPerTick"`
	ProcessingStatus  string `yaml:"processingStatus"`
	StuckStatus       string `yaml:"stuckStatus"`
}

func applyMonitorFile(cfg *jobsync.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file monitorFileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if file.Poll != "" {
		if cfg.MonitorPoll, err = time.ParseDuration(file.Poll); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
	if file.StuckAfter != "" {
		if cfg.StuckAfter, err = time.ParseDuration(file.StuckAfter); err != nil {
			return fmt.Errorf("stuckAfter: %w", err)
		}
	}
	if file.MaxRelabelPerTick > 0 {
		cfg.MaxRelabelPerTick = file.MaxRelabelPerTick
	}
	if file.ProcessingStatus != "" {
		cfg.ProcessingStatus = file.ProcessingStatus
	}
	if file.StuckStatus != "" {
		cfg.StuckStatus = file.StuckStatus
	}
	return cfg.Validate()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
	return ctx, cancel
}

type stdLogger struct {
	verbose bool
}

func (l stdLogger) Debug(msg string, fields ...jobsync.Field) {
	if l.verbose {
		log.Print(format(msg, fields...))
	}
}

func (l stdLogger) Info(msg string, fields ...jobsync.Field) { log.Print(format(msg, fields...)) }
func (l stdLogger) Warn(msg string, fields ...jobsync.Field) {
	log.Print("WARN: " + format(msg, fields...))
}
func (l stdLogger) Error(msg string, fields ...jobsync.Field) {
	log.Print("ERROR: " + format(msg, fields...))
}

func format(msg string, fields ...jobsync.Field) string {
	if len(fields) == 0 {
		return msg
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	return msg + " " + strings.Join(parts, " ")
}
