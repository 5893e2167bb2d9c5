// Command gojodoc_cli is an interactive shell over an embedded GojoDoc
// database. With arguments it runs a single command and exits.
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
	"sort"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gojodoc/config"
	"github.com/sushant-115/gojodoc/core/database"
	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	dbPath     = flag.String("db", "gojodoc.db", "Database file, used when -config is not given")
	logLevel   = flag.String("log_level", "", "Overrides logger.level")
)

func loadConfig() (config.Config, error) {
	if *configPath == "" {
		cfg := config.Default(*dbPath)
		cfg.Logger.Level = "warn"
		cfg.Logger.OutputFile = "stderr"
		cfg.Logger.Format = "console"
		return cfg, nil
	}
	return config.Load(*configPath)
}

func completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(commands)+2)
	for name := range commands {
		names = append(names, name)
	}
	names = append(names, "help", "exit")
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

func interactive(sh *shell) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodoc> ",
		HistoryFile:     filepath.Join(home, ".gojodoc_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintln(sh.out, "GojoDoc CLI. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("failed to start telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg, database.WithLogger(zlogger), database.WithTelemetry(tel))
	if err != nil {
		zlogger.Fatal("failed to open database", zap.String("path", cfg.Connection.DatabasePath), zap.Error(err))
	}

	sh := &shell{ctx: ctx, db: db, out: os.Stdout}
	code := 0
	if args := flag.Args(); len(args) > 0 {
		if err := sh.exec(strings.Join(args, " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = 1
		}
	} else if err := interactive(sh); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}

	if err := db.Close(); err != nil {
		zlogger.Error("failed to close database", zap.Error(err))
		code = 1
	}
	if err := shutdown(context.Background()); err != nil {
		zlogger.Error("failed to stop telemetry", zap.Error(err))
	}
	if code != 0 {
		zlogger.Sync()
		os.Exit(code)
	}
}
