package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"

	"github.com/dmarcview/dmarcview/internal/api"
	"github.com/dmarcview/dmarcview/internal/config"
	"github.com/dmarcview/dmarcview/internal/dns"
	"github.com/dmarcview/dmarcview/internal/mailbox"
	"github.com/dmarcview/dmarcview/internal/processor"
	"github.com/dmarcview/dmarcview/internal/scheduler"
	"github.com/dmarcview/dmarcview/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "print debug output")
	once := flag.Bool("once", false, "run a single processing cycle and exit")
	all := flag.Bool("all", false, "process all messages, including already read ones")
	configFile := flag.String("config", "", "config file to use")
	flag.Parse()

	logger := newLogger(*debug)

	if *configFile == "" {
		logger.Error("please supply a config file")
		os.Exit(1)
	}

	settings, err := config.GetConfig(config.Defaults(), *configFile)
	if err != nil {
		logger.Error("could not read config", "file", *configFile, "err", err)
		os.Exit(1)
	}

	// trap SIGINT / SIGTERM and cancel the context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, settings, logger, *once, *all); err != nil {
		logger.Error("exiting with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	opts := charmlog.Options{
		ReportTimestamp: true,
	}
	if debug {
		opts.Level = charmlog.DebugLevel
	}
	// structured output when the log goes to a pipe or file
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		opts.Formatter = charmlog.JSONFormatter
	}
	return slog.New(charmlog.NewWithOptions(os.Stderr, opts))
}

func run(ctx context.Context, settings *config.Configuration, logger *slog.Logger, once, all bool) error {
	db, err := store.New(settings.Database.Path)
	if err != nil {
		return fmt.Errorf("could not open store: %w", err)
	}
	defer db.Close()

	resolver := dns.NewResolver(10*time.Second, 1*time.Hour, logger)
	conn := mailbox.New(settings.IMAP, settings.ArchiveFolder, logger)
	proc := processor.New(conn, db, logger, processor.Options{
		Archive:    settings.ArchiveFolder != "",
		FetchLimit: settings.FetchLimit,
		Resolver:   resolver,
	})

	if once {
		summary, err := proc.Run(ctx, all)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("could not render summary: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	// process the backlog right away, the scheduler only fires after
	// its first interval
	logger.Info("starting initial run")
	if summary, err := proc.Run(ctx, all); err != nil {
		logger.Error("initial run failed", "err", err)
	} else {
		logger.Info("initial run finished",
			"processed", summary.Processed,
			"errors", summary.Errors,
			"skipped", summary.Skipped)
	}

	var sched *scheduler.Scheduler
	if settings.Scheduler.Enabled {
		sched, err = scheduler.New(logger, settings.Scheduler.Interval(), func() {
			summary, err := proc.Run(ctx, false)
			if err != nil {
				if errors.Is(err, processor.ErrCycleRunning) {
					logger.Warn("previous cycle still running, skipping")
					return
				}
				logger.Error("scheduled run failed", "err", err)
				return
			}
			logger.Info("scheduled run finished",
				"processed", summary.Processed,
				"errors", summary.Errors,
				"skipped", summary.Skipped)
		})
		if err != nil {
			return fmt.Errorf("could not create scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	if !settings.Server.Enabled {
		<-ctx.Done()
		return nil
	}

	handler := api.New(db, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("could not shut down http server: %w", err)
	}
	return nil
}
