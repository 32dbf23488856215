package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carecloud/agentd/internal/config"
	"github.com/carecloud/agentd/internal/logger"
	"github.com/carecloud/agentd/pkg/retrieval"
	"github.com/carecloud/agentd/pkg/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Ingest reference documents into the retrieval backend",
	Long: `Ingest the .md and .txt files under a directory into the configured
retrieval backend and record them in the document ledger. This is a
one-shot run; the daemon re-ingests on changes when ingest.watch is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Retrieval.Backend == "off" {
		return fmt.Errorf("retrieval backend is off, nothing to ingest into")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Console:   true,
		Pretty:    true,
		Redaction: true,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	zl := lg.GetZerolog()

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

	ing := retrieval.NewIngestor(
		[]retrieval.Retriever{retriever},
		st,
		zl.With().Str("component", "ingest").Logger(),
	)
	n, err := ing.IngestDir(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("Ingested %d documents into %s\n", n, retriever.Name())
	return nil
}
