// Command keel runs governance commands against a session store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/kernel"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadWithProfile()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	initLogger(cfg.LogLevel, stderr)

	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	ctx := context.Background()
	k, cleanup, err := buildKernel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer cleanup()

	switch args[1] {
	case "session":
		return runSession(ctx, k, cfg, args[2:], stdout, stderr)
	case "status":
		return runStatus(ctx, k, args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: keel <command>")
	fmt.Fprintln(w, "  session new [-budget N]   create a session")
	fmt.Fprintln(w, "  status <session-id>       print session, ledger, and readiness")
}

func initLogger(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func buildKernel(ctx context.Context, cfg *config.Config) (*kernel.Kernel, func(), error) {
	// SQLite and Postgres stores are shared between processes, and the
	// in-process locker cannot serialize commands across them. Refuse the
	// combination rather than risk partially committed multi-record writes.
	switch cfg.StoreDriver {
	case "sqlite", "postgres":
		if cfg.RedisAddr == "" {
			return nil, nil, fmt.Errorf("store driver %q is shared between processes; set REDIS_ADDR so session locks span them", cfg.StoreDriver)
		}
	}

	var (
		s       store.Store
		cleanup = func() {}
		err     error
	)
	switch cfg.StoreDriver {
	case "memory":
		s = store.NewMemory()
	case "sqlite":
		path := cfg.DatabaseURL
		if path == "" {
			path = "keel.db"
		}
		sq, oerr := store.OpenSQLite(path)
		if oerr != nil {
			return nil, nil, oerr
		}
		s = sq
		cleanup = func() { _ = sq.Close() }
	case "postgres":
		s, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	k := kernel.New(s, cfg, slog.Default())
	if cfg.RedisAddr != "" {
		k.WithLocker(kernel.NewRedisLocker(cfg.RedisAddr, "", 0))
	}
	if cfg.OTLPAddr != "" {
		obs, oerr := observability.New(ctx, &observability.Config{
			ServiceName:  "keel",
			OTLPEndpoint: cfg.OTLPAddr,
			Enabled:      true,
			Insecure:     true,
		})
		if oerr != nil {
			return nil, nil, oerr
		}
		k.WithObservability(obs)
		prev := cleanup
		cleanup = func() {
			_ = obs.Shutdown(context.Background())
			prev()
		}
	}
	return k, cleanup, nil
}

func runSession(ctx context.Context, k *kernel.Kernel, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "new" {
		usage(stderr)
		return 2
	}
	fs := flag.NewFlagSet("session new", flag.ContinueOnError)
	fs.SetOutput(stderr)
	budget := fs.Int64("budget", cfg.DefaultWUBudget, "work-unit budget")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	sess, err := k.CreateSession(ctx, *budget)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, sess.ID)
	return 0
}

func runStatus(ctx context.Context, k *kernel.Kernel, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	sessionID := args[0]

	sess, err := k.Session(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	led, err := k.Ledger(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	score, err := k.Readiness(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	out := map[string]any{
		"session":   sess,
		"ledger":    led,
		"readiness": score,
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
