package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// RAGConfig configures the chunk-embedding store.
type RAGConfig struct {
	DBPath       string
	ChunkSize    int // max chunk length in bytes
	ChunkOverlap int // bytes carried over between adjacent chunks
}

// RAGStore is the chunk-embedding retrieval backend. Documents are split
// into overlapping chunks at ingestion; each chunk is embedded and stored
// in a sqlite-vec table. Queries run a cosine-similarity scan. Chunks are
// append-only, so readers never observe a partially ingested document:
// a chunk becomes visible only when its insert transaction commits.
type RAGStore struct {
	db       *sql.DB
	embedder EmbeddingProvider
	logger   zerolog.Logger
	cfg      RAGConfig
	seq      atomic.Int64
}

// NewRAGStore opens (or creates) the store at cfg.DBPath.
func NewRAGStore(cfg RAGConfig, embedder EmbeddingProvider, logger zerolog.Logger) (*RAGStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 50
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets concurrent readers proceed while an ingestion commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &RAGStore{
		db:       db,
		embedder: embedder,
		logger:   logger,
		cfg:      cfg,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRow("SELECT MAX(seq) FROM chunks").Scan(&maxSeq); err == nil && maxSeq.Valid {
		s.seq.Store(maxSeq.Int64)
	}

	logger.Info().Str("db", cfg.DBPath).Msg("RAG store initialized")
	return s, nil
}

func (s *RAGStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			title TEXT,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunk_embeddings USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.embedder.Dimension())

	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	return nil
}

// Name identifies the backend.
func (s *RAGStore) Name() string {
	return "rag"
}

// Size returns the number of stored chunks.
func (s *RAGStore) Size() int {
	var n int
	s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n)
	return n
}

// Add chunks, embeds and stores the documents. Each document commits in
// its own transaction, so partially embedded documents are never visible.
func (s *RAGStore) Add(ctx context.Context, docs []Document) error {
	for _, doc := range docs {
		if err := s.addDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to add document %s: %w", doc.ID, err)
		}
	}
	return nil
}

func (s *RAGStore) addDocument(ctx context.Context, doc Document) error {
	chunks := splitChunks(doc.Content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil
	}

	embeddings, err := s.embedder.GenerateEmbeddings(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Re-ingesting a document replaces its chunks. Embeddings go first
	// while the chunk rows still exist for the sub-select.
	if _, err := tx.Exec(
		"DELETE FROM chunk_embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE doc_id = ?)", doc.ID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE doc_id = ?", doc.ID); err != nil {
		return err
	}

	for i, chunk := range chunks {
		chunkID := fmt.Sprintf("%s#%d", doc.ID, i)
		seq := s.seq.Add(1)

		if _, err := tx.Exec(
			"INSERT INTO chunks (id, doc_id, title, content, seq) VALUES (?, ?, ?, ?, ?)",
			chunkID, doc.ID, doc.Title, chunk, seq,
		); err != nil {
			return err
		}

		embeddingJSON, err := json.Marshal(embeddings[i])
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO chunk_embeddings (chunk_id, embedding) VALUES (?, ?)",
			chunkID, string(embeddingJSON),
		); err != nil {
			return fmt.Errorf("failed to store embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug().
		Str("doc", doc.ID).
		Int("chunks", len(chunks)).
		Msg("Document ingested")

	return nil
}

// Query embeds the text once and returns the topK most similar chunks.
// Equal similarities keep ingestion order via the seq column.
func (s *RAGStore) Query(ctx context.Context, text string, topK int) ([]Result, error) {
	if topK <= 0 {
		return []Result{}, nil
	}
	if s.Size() == 0 {
		return nil, fmt.Errorf("rag store is empty: %w", ErrRetrieverUnavailable)
	}

	queryEmbedding, err := s.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	embeddingJSON, err := json.Marshal(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.doc_id, c.content, vec_distance_cosine(e.embedding, ?) AS distance
		FROM chunk_embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		ORDER BY distance ASC, c.seq ASC
		LIMIT ?
	`, string(embeddingJSON), topK)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var docID, content string
		var distance float64
		if err := rows.Scan(&docID, &content, &distance); err != nil {
			return nil, err
		}
		// Cosine distance is in [0, 2]; similarity 1-distance is in [-1, 1].
		results = append(results, Result{
			Content:  content,
			Score:    1.0 - distance,
			SourceID: docID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// Close releases the underlying database.
func (s *RAGStore) Close() error {
	return s.db.Close()
}

// splitChunks splits text into chunks of at most maxSize bytes, breaking
// on line boundaries and carrying overlap bytes into the next chunk.
func splitChunks(content string, maxSize, overlap int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		text := current.String()
		current.Reset()
		if overlap > 0 && len(text) > overlap {
			// Back off to a rune boundary so the carried-over tail
			// never starts mid-character.
			cut := len(text) - overlap
			for cut < len(text) && !utf8.RuneStart(text[cut]) {
				cut++
			}
			current.WriteString(text[cut:])
		}
	}

	for _, line := range strings.Split(content, "\n") {
		if current.Len() > 0 && current.Len()+len(line)+1 > maxSize {
			flush()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if strings.TrimSpace(current.String()) != "" {
		chunk := strings.TrimSpace(current.String())
		chunks = append(chunks, chunk)
	}

	return chunks
}
