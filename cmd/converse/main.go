package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"converse/internal/actions"
	"converse/internal/channels"
	"converse/internal/config"
	"converse/internal/domain"
	"converse/internal/interpreter"
	"converse/internal/lock"
	"converse/internal/policies"
	"converse/internal/processor"
	"converse/internal/scheduler"
	"converse/internal/server"
	"converse/internal/store"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	domainPath  string
	storiesPath string
	nluEndpoint string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "converse",
	Short: "converse - event-sourced dialogue engine",
	Long: `converse is a dialogue-management engine.

Conversations are event-sourced trackers; a policy ensemble arbitrates
the next action each turn, forms collect required slots, and custom
actions run on a remote action server.

Run "converse serve" to expose the REST webhook, or "converse shell"
to talk to the assistant on the terminal.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the HTTP server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST webhook and tracker API",
	Long: `Starts the HTTP server with the configured tracker store and
policy ensemble. The domain file is watched and hot-reloaded on change.`,
	RunE: runServe,
}

// shellCmd talks to the assistant on stdin/stdout
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Chat with the assistant on the terminal",
	RunE:  runShell,
}

// validateCmd checks the domain file
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the domain and training files",
	RunE:  runValidate,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "engine.yml", "engine configuration file")
	rootCmd.PersistentFlags().StringVarP(&domainPath, "domain", "d", "domain.yml", "domain file")
	rootCmd.PersistentFlags().StringVarP(&storiesPath, "stories", "s", "", "training stories file")
	rootCmd.PersistentFlags().StringVar(&nluEndpoint, "nlu-url", "", "remote NLU endpoint (default: built-in regex interpreter)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(validateCmd)
}

// engine bundles everything a running assistant needs.
type engine struct {
	cfg      *config.Config
	proc     *processor.Processor
	trackers store.TrackerStore
	sched    *scheduler.Scheduler
	closers  []func() error
}

func (e *engine) close() {
	e.sched.Stop()
	for _, c := range e.closers {
		if err := c(); err != nil {
			logger.Warn("failed to close resource", zap.Error(err))
		}
	}
}

func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	d, err := domain.Load(domainPath)
	if err != nil {
		return nil, err
	}

	ensemble, err := buildEnsemble(cfg, d)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, sched: scheduler.New(logger)}

	switch cfg.Store.Backend {
	case "sqlite":
		db, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		e.trackers = db
		e.closers = append(e.closers, db.Close)
	default:
		e.trackers = store.NewInMemory()
	}

	var client actions.ServerClient
	if cfg.ActionServer.URL != "" {
		client = actions.NewRemoteClient(cfg.ActionServer.URL, cfg.ActionServer.Timeout.Duration, logger)
	}

	var interp interpreter.Interpreter = interpreter.NewRegex()
	if nluEndpoint != "" {
		interp = interpreter.NewRemote(nluEndpoint, 10*time.Second)
	}

	e.proc = processor.New(d, e.trackers, lock.NewInProcess(), ensemble,
		actions.NewRegistry(client, logger), interp, e.sched,
		cfg.Policies.MaxPredictionLoops, logger)
	return e, nil
}

func buildEnsemble(cfg *config.Config, d *domain.Domain) (*policies.Ensemble, error) {
	ps := []policies.Policy{
		policies.NewRule(nil, logger),
		policies.NewMemoization(cfg.Policies.MemoizationHistory, logger),
		policies.NewFallback(cfg.Policies.FallbackThreshold, 0),
	}

	if storiesPath != "" {
		stories, rules, err := policies.LoadStories(storiesPath)
		if err != nil {
			return nil, err
		}
		if err := policies.TrainAll(ps, stories, rules, d); err != nil {
			return nil, err
		}
		logger.Info("trained policies",
			zap.Int("stories", len(stories)), zap.Int("rules", len(rules)))
	}

	return policies.NewEnsemble(ps, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := domain.NewWatcher(domainPath, func(d *domain.Domain) {
		e.proc.SetDomain(d)
		logger.Info("domain reloaded", zap.String("path", domainPath))
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to watch domain file: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	srv := server.New(e.proc, e.trackers, e.cfg.Server.Bind, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.WaitForShutdown(ctx, 10*time.Second)
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	e, err := buildEngine()
	if err != nil {
		return err
	}
	defer e.close()

	senderID := uuid.NewString()
	fmt.Println("Talk to the assistant. Type /stop to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/stop" {
			break
		}

		collector := channels.NewCollector()
		err := e.proc.HandleMessage(cmd.Context(), &processor.UserMessage{
			SenderID: senderID,
			Text:     text,
			Output:   collector,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		for _, msg := range collector.Messages() {
			fmt.Printf("bot> %s\n", msg.Text)
		}
	}
	return scanner.Err()
}

func runValidate(cmd *cobra.Command, args []string) error {
	d, err := domain.Load(domainPath)
	if err != nil {
		return err
	}

	if storiesPath != "" {
		stories, rules, err := policies.LoadStories(storiesPath)
		if err != nil {
			return err
		}
		fmt.Printf("Stories: %d, rules: %d\n", len(stories), len(rules))
	}

	fmt.Printf("Domain OK: %d intents, %d slots, %d forms, %d actions\n",
		len(d.Intents), len(d.Slots), len(d.Forms), d.NumActions())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
