package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosched/config"
	"github.com/sushant-115/gojosched/core/scheduler"
	"github.com/sushant-115/gojosched/pkg/logger"
	"github.com/sushant-115/gojosched/pkg/telemetry"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	execLine   = flag.String("e", "", "Run a ';'-separated list of commands and exit")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	zlogger, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("can't initialize logger: %w", err)
	}
	defer logCloser.Close()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, zlogger)
	if err != nil {
		return fmt.Errorf("can't initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	sched, err := scheduler.New(cfg.Scheduler,
		scheduler.WithLogger(zlogger),
		scheduler.WithMeter(tel.Meter),
		scheduler.WithTracer(tel.Tracer))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *execLine != "" {
		sh := newShell(ctx, sched, zlogger, os.Stdout)
		for _, line := range strings.Split(*execLine, ";") {
			if !sh.exec(strings.Fields(line)) {
				break
			}
		}
	} else if err := interactive(ctx, sched, zlogger); err != nil {
		_ = sched.Close()
		return err
	}

	if err := sched.Close(); err != nil {
		zlogger.Warn("Scheduler did not shut down cleanly", zap.Error(err))
	}
	return nil
}

func interactive(ctx context.Context, sched *scheduler.Scheduler, zlogger *zap.Logger) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "gojosched> ",
		HistoryFile:       filepath.Join(os.TempDir(), "gojosched_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("admit"),
			readline.PcItem("dispatch"),
			readline.PcItem("sleep"),
			readline.PcItem("finish"),
			readline.PcItem("wait"),
			readline.PcItem("status"),
			readline.PcItem("bench"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("can't start shell: %w", err)
	}
	closeRL := sync.OnceFunc(func() { _ = rl.Close() })
	defer closeRL()

	go func() {
		<-ctx.Done()
		closeRL()
	}()

	sh := newShell(ctx, sched, zlogger, rl.Stdout())
	sh.printf("GojoSched shell. Type 'help' for commands, 'exit' or 'quit' to leave.\n")
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !sh.exec(strings.Fields(line)) {
			return nil
		}
	}
}
