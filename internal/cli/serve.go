package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carecloud/agentd/internal/config"
	"github.com/carecloud/agentd/internal/logger"
	"github.com/carecloud/agentd/pkg/agent"
	"github.com/carecloud/agentd/pkg/classify"
	"github.com/carecloud/agentd/pkg/retrieval"
	"github.com/carecloud/agentd/pkg/server"
	"github.com/carecloud/agentd/pkg/store"
	"github.com/carecloud/agentd/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentd daemon service",
	Long: `Start the agentd daemon service in the foreground.
The daemon serves the query API over HTTP, ingests reference documents
into the configured retrieval backend, and sweeps expired records from
the session ledger on a schedule.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("agentd is already running (PID file: %s)", pidFile)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Console,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	for _, dir := range []string{cfg.DataDir, cfg.WorkspacePath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	st, err := store.New(store.Config{
		DBPath: cfg.Database.Path,
		Logger: zl.With().Str("component", "store").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	retriever, closeRetriever, err := buildRetriever(cfg, zl.With().Str("component", "retrieval").Logger())
	if err != nil {
		return fmt.Errorf("failed to build retrieval backend: %w", err)
	}
	if closeRetriever != nil {
		defer closeRetriever()
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltinTools(registry, tools.Options{
		WorkspaceRoot: cfg.WorkspacePath,
		DB:            st.DB(),
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	provider, err := agent.NewProvider(cfg.LLM.Provider, cfg.LLM.APIKey)
	if err != nil {
		return err
	}

	exec, err := agent.NewExecutor(agent.Config{
		Classifier: classify.New(),
		Provider:   provider,
		Registry:   registry,
		Retriever:  retriever,
		Store:      st,
		Profiles:   agent.DefaultProfiles(),
		Model: agent.ModelConfig{
			Model:         cfg.LLM.Model,
			Temperature:   cfg.LLM.Temperature,
			MaxTokens:     cfg.LLM.MaxTokens,
			MaxIterations: cfg.LLM.MaxIterations,
			MaxRetries:    cfg.LLM.MaxRetries,
		},
		TimeoutBudget: cfg.Timeout(),
		TopK:          cfg.Retrieval.TopK,
		HistoryLimit:  20,
		Logger:        zl.With().Str("component", "executor").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	sweeper, err := store.NewSweeper(st, store.RetentionConfig{
		Schedule: cfg.Database.RetentionSchedule,
		MaxAge:   cfg.RetentionMaxAge(),
	}, zl.With().Str("component", "retention").Logger())
	if err != nil {
		return fmt.Errorf("failed to create retention sweeper: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}
	defer sweeper.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Ingest.Dir != "" && retriever != nil {
		ing := retrieval.NewIngestor(
			[]retrieval.Retriever{retriever},
			st,
			zl.With().Str("component", "ingest").Logger(),
		)
		n, err := ing.IngestDir(ctx, cfg.Ingest.Dir)
		if err != nil {
			// The daemon still serves queries without reference material;
			// retrieval degrades per query instead.
			zl.Warn().Err(err).Str("dir", cfg.Ingest.Dir).Msg("Initial ingestion failed")
		} else {
			zl.Info().Int("documents", n).Msg("Initial ingestion complete")
		}
		if cfg.Ingest.Watch {
			debounce := time.Duration(cfg.Ingest.DebounceSecs) * time.Second
			if err := ing.Watch(ctx, cfg.Ingest.Dir, debounce); err != nil {
				zl.Warn().Err(err).Msg("Document watcher failed to start")
			} else {
				defer ing.Stop()
			}
		}
	}

	srv, err := server.New(server.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Executor: exec,
		Store:    st,
		Logger:   zl.With().Str("component", "server").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	zl.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("backend", cfg.Retrieval.Backend).
		Msg("agentd listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		zl.Info().Str("signal", s.String()).Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// buildRetriever constructs the retrieval backend the config selects.
// The returned close function is nil when there is nothing to close.
func buildRetriever(cfg *config.Config, zl zerolog.Logger) (retrieval.Retriever, func(), error) {
	if cfg.Retrieval.Backend == "off" {
		return nil, nil, nil
	}

	embedder := retrieval.NewOpenAIEmbedder(cfg.Embedding.APIKey, cfg.Embedding.Model)

	switch cfg.Retrieval.Backend {
	case "pq":
		idx, err := retrieval.NewPQIndex(retrieval.PQConfig{
			Subvectors:      cfg.Retrieval.PQSubvectors,
			Clusters:        cfg.Retrieval.PQClusters,
			Dimension:       embedder.Dimension(),
			TrainIterations: cfg.Retrieval.PQTrainIterations,
		}, embedder, zl)
		if err != nil {
			return nil, nil, err
		}
		return idx, nil, nil
	case "rag":
		rag, err := retrieval.NewRAGStore(retrieval.RAGConfig{
			DBPath:       filepath.Join(cfg.DataDir, "retrieval.db"),
			ChunkSize:    cfg.Retrieval.ChunkSize,
			ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		}, embedder, zl)
		if err != nil {
			return nil, nil, err
		}
		return rag, func() { rag.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown retrieval backend: %s", cfg.Retrieval.Backend)
	}
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/agentd.pid"
	}
	return filepath.Join(home, ".agentd", "agentd.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	_, err = fmt.Sscanf(string(data), "%d", &pid)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so probe with signal 0.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
