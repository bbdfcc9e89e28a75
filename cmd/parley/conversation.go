package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/parley/internal/analytics"
	"github.com/nugget/parley/internal/attempt"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/clarify"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/dialog"
	"github.com/nugget/parley/internal/embeddings"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/executor"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/perception"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/quota"
	"github.com/nugget/parley/internal/speech"
	"github.com/nugget/parley/internal/transcript"
)

// startupWait bounds how long a conversation waits for the model
// server and speech gateway before starting without them.
const startupWait = 10 * time.Second

// runConversation handles "parley talk" and "parley chat". It wires
// every configured collaborator into one dialog session and blocks
// until the conversation ends.
//
// The shutdown sequence is:
//  1. The session ends (goodbye, task dispatch, stdin EOF in chat, or
//     SIGINT/SIGTERM for an instant end)
//  2. The executor announces itself offline and disconnects
//  3. Analytics drain, then databases close via defers
func runConversation(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, typed bool) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "typed", typed)

	if err := ensureDataDir(cfg); err != nil {
		return err
	}

	shutdownTracing, err := setupTracing(cfg.Tracing, stderr)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	bus := events.New()
	term := newTerminal(stdout, typed)
	stopRender := term.follow(bus)
	defer stopRender()

	connMgr := connwatch.NewManager(logger, bus)
	defer connMgr.Stop()

	// --- Model ---
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	genCfg := llm.GeneratorConfig{
		Client:     llmClient,
		Model:      cfg.Models.Default,
		MaxRetries: cfg.Models.MaxRetries,
		RetryDelay: cfg.Models.RetryDelay,
		Options:    &llm.Options{JSON: true},
		Logger:     logger,
	}
	if cfg.ProviderFor(cfg.Models.Default) == "ollama" {
		ollamaWatch := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "ollama",
			Probe:   ollamaClient.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		if !ollamaWatch.WaitReady(ctx, startupWait) {
			logger.Warn("model server not ready, replies will fall back until it returns",
				"url", cfg.Models.OllamaURL, "error", ollamaWatch.Err())
		}
		genCfg.Health = ollamaWatch
	}

	dcfg := dialog.Config{
		Model:        llm.NewGenerator(genCfg),
		Clarifier:    clarify.NewAnalyzer(llmClient, cfg.Models.Default, logger),
		Surface:      dialog.NewBusSurface(bus),
		Bus:          bus,
		SystemPrompt: transcript.Template(prompts.SystemPrompt(prompts.DefaultAssistantName)),
		Limits: attempt.Limits{
			MaxClarifications:    cfg.Dialog.MaxClarifications,
			MaxRecognitionErrors: cfg.Dialog.MaxRecognitionErrors,
		},
		MemoryEnabled:     cfg.Memory.Enabled,
		UserName:          cfg.UserName,
		ExitSpeechTimeout: cfg.Dialog.ExitSpeechTimeout,
		StartInTextMode:   typed || cfg.Dialog.StartInTextMode,
		Location:          cfg.Location(),
		Logger:            logger,
	}

	// --- Speech ---
	var voice dialog.Synthesizer
	if !typed && cfg.Speech.Configured() {
		gw := speech.New(speech.Config{
			URL:      cfg.Speech.URL,
			Token:    cfg.Speech.Token,
			Language: cfg.Speech.Language,
			Logger:   logger,
		})
		defer gw.Close()

		gwWatch := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "speech",
			Probe:   gw.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				rcCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := gw.Reconnect(rcCtx); err != nil {
					logger.Error("speech gateway reconnect failed", "error", err)
				}
			},
		})
		if awaitConnected(ctx, gw, gwWatch, startupWait) {
			dcfg.Recognizer = gw
			voice = gw
		} else {
			logger.Warn("speech gateway unavailable, starting in text mode", "url", cfg.Speech.URL)
		}
	} else if !typed {
		logger.Warn("speech gateway not configured, starting in text mode")
	}
	dcfg.Synthesizer = &transcriptSpeaker{w: term, inner: voice}

	// --- Screen ---
	if cfg.Perception.URL != "" {
		screen := perception.New(cfg.Perception.URL, logger)
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "perception",
			Probe:   screen.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		dcfg.Screen = screen
	}

	// --- Executor ---
	var tasks *taskBridge
	if cfg.Executor.Configured() {
		clientID := cfg.Executor.ClientID
		if clientID == "" {
			if clientID, err = executor.ClientID(cfg.DataDir); err != nil {
				return err
			}
		}
		exec := executor.New(executor.Config{
			Broker:      cfg.Executor.Broker,
			Username:    cfg.Executor.Username,
			Password:    cfg.Executor.Password,
			TopicPrefix: cfg.Executor.TopicPrefix,
			ClientID:    clientID,
			Logger:      logger,
			Bus:         bus,
		})
		if err := exec.Connect(ctx); err != nil {
			return fmt.Errorf("executor: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exec.Close(closeCtx); err != nil {
				logger.Warn("executor disconnect failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mqtt",
			Probe:   exec.AwaitConnection,
			Backoff: connwatch.DefaultBackoffConfig(),
		})
		tasks = &taskBridge{Executor: exec}
		dcfg.Executor = tasks
	} else {
		logger.Warn("executor not configured, device tasks will be declined")
	}

	// --- Quota ---
	quotaPath := filepath.Join(cfg.DataDir, "quota.db")
	quotaStore, err := quota.NewStore(quotaPath, cfg.Quota.MonthlyTasks,
		quota.WithLocation(cfg.Location()), quota.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open quota database %s: %w", quotaPath, err)
	}
	defer quotaStore.Close()
	dcfg.Quota = quotaStore

	// --- Memory ---
	if cfg.Memory.Enabled {
		memStore, err := openMemory(cfg, logger)
		if err != nil {
			return err
		}
		defer memStore.Close()
		dcfg.Memory = memStore
		dcfg.Extractor = memory.NewExtractor(memStore, llmClient, cfg.Models.Default, logger)
	}

	// --- Analytics ---
	analyticsPath := filepath.Join(cfg.DataDir, "analytics.db")
	analyticsStore, err := analytics.NewStore(analyticsPath)
	if err != nil {
		return fmt.Errorf("open analytics database %s: %w", analyticsPath, err)
	}
	defer analyticsStore.Close()
	tracker := analytics.NewTracker(analyticsStore, logger, 0)
	defer tracker.Close()
	dcfg.Analytics = tracker

	sess, err := dialog.New(dcfg)
	if err != nil {
		return err
	}
	if tasks != nil {
		tasks.conversationID = sess.ID()
	}

	go feedInput(stdin, sess, typed, logger)

	if err := sess.Run(ctx); err != nil {
		return err
	}
	logger.Info("conversation finished", "reason", sess.EndReason())
	return nil
}

func ensureDataDir(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	return nil
}

// openMemory opens the memory store, with embeddings when configured.
func openMemory(cfg *config.Config, logger *slog.Logger) (*memory.Store, error) {
	opts := []memory.Option{memory.WithLogger(logger)}
	if cfg.Memory.Embeddings.Enabled {
		opts = append(opts, memory.WithEmbedder(embeddings.New(embeddings.Config{
			BaseURL: cfg.Memory.Embeddings.BaseURL,
			Model:   cfg.Memory.Embeddings.Model,
			Logger:  logger,
		})))
		logger.Info("memory embeddings enabled", "model", cfg.Memory.Embeddings.Model)
	}

	path := filepath.Join(cfg.DataDir, "memory.db")
	store, err := memory.NewStore(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open memory database %s: %w", path, err)
	}
	return store, nil
}

// feedInput submits each line read from r as typed input. In chat, end
// of input says goodbye the same way typing "stop" would.
func feedInput(r io.Reader, sess *dialog.Session, typed bool, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := sess.SubmitText(scanner.Text()); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading input failed", "error", err)
	}
	if typed {
		if err := sess.SubmitText("stop"); err != nil && !errors.Is(err, dialog.ErrSessionClosed) {
			logger.Debug("end of input not delivered", "error", err)
		}
	}
}

// awaitReady polls w until it reports ready, timeout passes, or ctx
// ends.
func awaitReady(ctx context.Context, w llm.Readiness, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for !w.IsReady() {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
	return true
}

// awaitConnected waits for the gateway to be both healthy and
// connected. The watcher's OnReady performs the actual dial, so health
// alone is not enough.
func awaitConnected(ctx context.Context, gw *speech.Gateway, w *connwatch.Watcher, timeout time.Duration) bool {
	start := time.Now()
	if !w.WaitReady(ctx, timeout) {
		return false
	}
	return awaitReady(ctx, readinessFunc(gw.Connected), timeout-time.Since(start))
}

type readinessFunc func() bool

func (f readinessFunc) IsReady() bool { return f() }

// taskBridge tags executor commands with the conversation they came
// from.
type taskBridge struct {
	*executor.Executor
	conversationID string
}

func (b *taskBridge) Start(ctx context.Context, instruction string) error {
	return b.Executor.Start(executor.WithConversation(ctx, b.conversationID), instruction)
}
