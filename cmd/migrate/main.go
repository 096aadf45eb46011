// Command migrate manages the deployments table schema.
//
//	migrate [flags] [up|status|down]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/splax/deployments/internal/app/migrate"
	"github.com/splax/deployments/pkg/config"
	"github.com/splax/deployments/pkg/logger"
)

// schemaRunner is the part of migrate.Runner the command drives.
type schemaRunner interface {
	Ensure(ctx context.Context) error
	Status(ctx context.Context) error
	Down(ctx context.Context, targetVersion int64) error
}

type options struct {
	action  string
	target  int64
	timeout time.Duration
	dsn     string
	dir     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", cfg.LogFormat, logger.ParseLevel(cfg.LogLevel))

	opts, err := parseArgs(os.Args[1:], cfg, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Error("invalid arguments", "error", err)
		os.Exit(2)
	}
	runner, err := migrate.New(opts.dsn, opts.dir, log)
	if err != nil {
		log.Error("cannot prepare deployments schema runner", "error", err)
		os.Exit(1)
	}
	if err := execute(ctx, runner, opts, log); err != nil {
		log.Error("deployments schema change failed", "action", opts.action, "error", err)
		os.Exit(1)
	}
}

// parseArgs reads flags and the optional action. Flags override the
// DATABASE_URL and DB_MIGRATIONS_DIR settings in cfg.
func parseArgs(args []string, cfg config.APIConfig, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := options{}
	fs.StringVar(&opts.dsn, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	fs.StringVar(&opts.dir, "dir", cfg.MigrationsDir, "Migrations directory (embedded set when empty)")
	fs.DurationVar(&opts.timeout, "timeout", time.Minute, "Give up after this long")
	fs.Int64Var(&opts.target, "to", 0, "Version to roll back to with down (previous version when 0)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: migrate [flags] [up|status|down]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	switch fs.NArg() {
	case 0:
		opts.action = "up"
	case 1:
		opts.action = strings.ToLower(fs.Arg(0))
	default:
		return options{}, fmt.Errorf("expected one action, got %q", fs.Args())
	}
	switch opts.action {
	case "up", "status", "down":
	default:
		return options{}, fmt.Errorf("unknown action %q", opts.action)
	}
	if opts.target < 0 {
		return options{}, fmt.Errorf("-to must not be negative, got %d", opts.target)
	}
	if opts.target > 0 && opts.action != "down" {
		return options{}, fmt.Errorf("-to only applies to down")
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("-timeout must be positive, got %s", opts.timeout)
	}
	return opts, nil
}

func execute(ctx context.Context, runner schemaRunner, opts options, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	started := time.Now()
	var err error
	switch opts.action {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, opts.target)
	default:
		err = fmt.Errorf("unknown action %q", opts.action)
	}
	if err != nil {
		return err
	}
	log.Info("deployments schema up to date", "action", opts.action, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}
