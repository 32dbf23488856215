package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// PQConfig configures the product-quantization index.
type PQConfig struct {
	Subvectors      int // M: number of equal-width subspaces
	Clusters        int // K: centroids per subspace codebook, max 256
	Dimension       int // full embedding dimension, must be divisible by M
	TrainIterations int // k-means iterations per codebook
}

// Validate checks structural constraints on the configuration.
func (c PQConfig) Validate() error {
	if c.Subvectors <= 0 {
		return fmt.Errorf("subvectors must be positive")
	}
	if c.Clusters <= 0 || c.Clusters > 256 {
		return fmt.Errorf("clusters must be in 1..256")
	}
	if c.Dimension <= 0 || c.Dimension%c.Subvectors != 0 {
		return fmt.Errorf("dimension %d must be a positive multiple of subvectors %d", c.Dimension, c.Subvectors)
	}
	return nil
}

// pqSnapshot is an immutable trained index. Readers load it through an
// atomic pointer, so queries never observe a partially rebuilt index.
type pqSnapshot struct {
	codebooks [][][]float32 // [M][K][subDim]
	codes     [][]uint8     // per document: M centroid indexes
	docs      []Document
	vectors   [][]float32 // raw vectors, retained for retraining
}

// PQIndex is an approximate nearest-neighbor index using product
// quantization. Documents are stored as M small centroid codes; query
// distance is a sum of M precomputed table lookups, never touching the
// original vectors.
type PQIndex struct {
	cfg      PQConfig
	embedder EmbeddingProvider
	logger   zerolog.Logger

	snapshot atomic.Pointer[pqSnapshot]
	writeMu  sync.Mutex
}

// NewPQIndex creates an empty index. The index is unavailable for
// queries until the first successful Add.
func NewPQIndex(cfg PQConfig, embedder EmbeddingProvider, logger zerolog.Logger) (*PQIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pq config: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if cfg.TrainIterations <= 0 {
		cfg.TrainIterations = 20
	}

	idx := &PQIndex{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
	}

	logger.Info().
		Int("subvectors", cfg.Subvectors).
		Int("clusters", cfg.Clusters).
		Int("dimension", cfg.Dimension).
		Msg("PQ index initialized")

	return idx, nil
}

// Name identifies the backend.
func (idx *PQIndex) Name() string {
	return "pq"
}

// Size returns the number of indexed documents.
func (idx *PQIndex) Size() int {
	snap := idx.snapshot.Load()
	if snap == nil {
		return 0
	}
	return len(snap.docs)
}

// Add embeds the documents, retrains the codebooks over the full corpus
// and publishes a new snapshot. Writers are serialized; readers keep
// using the previous snapshot until the swap.
func (idx *PQIndex) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	newVectors, err := idx.embedder.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed documents: %w", err)
	}
	for i, v := range newVectors {
		if len(v) != idx.cfg.Dimension {
			return fmt.Errorf("document %d: embedding dimension %d, want %d", i, len(v), idx.cfg.Dimension)
		}
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	var vectors [][]float32
	var allDocs []Document
	if prev := idx.snapshot.Load(); prev != nil {
		vectors = append(vectors, prev.vectors...)
		allDocs = append(allDocs, prev.docs...)
	}
	vectors = append(vectors, newVectors...)
	allDocs = append(allDocs, docs...)

	codebooks := idx.train(vectors)
	codes := make([][]uint8, len(vectors))
	for i, v := range vectors {
		codes[i] = idx.encode(codebooks, v)
	}

	idx.snapshot.Store(&pqSnapshot{
		codebooks: codebooks,
		codes:     codes,
		docs:      allDocs,
		vectors:   vectors,
	})

	idx.logger.Info().
		Int("added", len(docs)).
		Int("total", len(allDocs)).
		Msg("PQ index rebuilt")

	return nil
}

// Query embeds the text, builds one K-entry distance table per subspace
// and ranks documents by the sum of table lookups. Scores decrease with
// approximate distance; ties keep insertion order.
func (idx *PQIndex) Query(ctx context.Context, text string, topK int) ([]Result, error) {
	snap := idx.snapshot.Load()
	if snap == nil || len(snap.docs) == 0 {
		return nil, fmt.Errorf("pq index is empty: %w", ErrRetrieverUnavailable)
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	queryVec, err := idx.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(queryVec) != idx.cfg.Dimension {
		return nil, fmt.Errorf("query embedding dimension %d, want %d", len(queryVec), idx.cfg.Dimension)
	}

	table := idx.distanceTable(snap.codebooks, queryVec)

	type ranked struct {
		docIdx int
		dist   float64
	}
	candidates := make([]ranked, len(snap.codes))
	for i, code := range snap.codes {
		dist := 0.0
		for m, c := range code {
			dist += table[m][c]
		}
		candidates[i] = ranked{docIdx: i, dist: dist}
	}

	// SliceStable preserves insertion order among equal distances.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}

	results := make([]Result, 0, topK)
	for _, c := range candidates[:topK] {
		doc := snap.docs[c.docIdx]
		results = append(results, Result{
			Content:  doc.Content,
			Score:    1.0 / (1.0 + c.dist),
			SourceID: doc.ID,
		})
	}

	return results, nil
}

// distanceTable precomputes, for every subspace, the squared distance
// from the query subvector to each centroid.
func (idx *PQIndex) distanceTable(codebooks [][][]float32, query []float32) [][]float64 {
	m := idx.cfg.Subvectors
	subDim := idx.cfg.Dimension / m

	table := make([][]float64, m)
	for s := 0; s < m; s++ {
		sub := query[s*subDim : (s+1)*subDim]
		table[s] = make([]float64, len(codebooks[s]))
		for k, centroid := range codebooks[s] {
			table[s][k] = squaredDistance(sub, centroid)
		}
	}
	return table
}

// encode maps a vector to its M nearest-centroid codes.
func (idx *PQIndex) encode(codebooks [][][]float32, vec []float32) []uint8 {
	m := idx.cfg.Subvectors
	subDim := idx.cfg.Dimension / m

	code := make([]uint8, m)
	for s := 0; s < m; s++ {
		sub := vec[s*subDim : (s+1)*subDim]
		best := 0
		bestDist := math.MaxFloat64
		for k, centroid := range codebooks[s] {
			d := squaredDistance(sub, centroid)
			if d < bestDist {
				bestDist = d
				best = k
			}
		}
		code[s] = uint8(best)
	}
	return code
}

// train learns one codebook per subspace by k-means over the subvectors
// of all indexed documents. Initialization is deterministic (evenly
// spaced samples) so rebuilds are reproducible.
func (idx *PQIndex) train(vectors [][]float32) [][][]float32 {
	m := idx.cfg.Subvectors
	subDim := idx.cfg.Dimension / m

	codebooks := make([][][]float32, m)
	for s := 0; s < m; s++ {
		subs := make([][]float32, len(vectors))
		for i, v := range vectors {
			subs[i] = v[s*subDim : (s+1)*subDim]
		}
		codebooks[s] = kmeans(subs, idx.cfg.Clusters, idx.cfg.TrainIterations)
	}
	return codebooks
}

// kmeans runs Lloyd's algorithm with deterministic initialization. When
// there are fewer points than requested clusters, every point becomes a
// centroid.
func kmeans(points [][]float32, k, iterations int) [][]float32 {
	if len(points) == 0 {
		return nil
	}
	if k > len(points) {
		k = len(points)
	}
	dim := len(points[0])

	// Evenly spaced initial centroids.
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		src := points[i*len(points)/k]
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, p := range points {
			best := 0
			bestDist := math.MaxFloat64
			for c, centroid := range centroids {
				d := squaredDistance(p, centroid)
				if d < bestDist {
					bestDist = d
					best = c
				}
			}
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for d, v := range p {
				sums[c][d] += float64(v)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // keep previous centroid for empty clusters
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	return centroids
}

func squaredDistance(a, b []float32) float64 {
	dist := 0.0
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		dist += d * d
	}
	return dist
}
