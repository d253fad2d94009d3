// Package memstore implements the unified storage manager: the single
// component that keeps the two vector indices and the SQLite metadata store
// consistent while serving ingestion and similarity search.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/recallos/recall/internal/chunker"
	"github.com/recallos/recall/internal/embed"
	"github.com/recallos/recall/internal/storage"
	"github.com/recallos/recall/internal/vecindex"
)

// Options configures a Manager.
type Options struct {
	// DataDir holds the SQLite database and the index files. ":memory:"
	// gives an ephemeral store with no index persistence (tests).
	DataDir string

	// Gateway provides both embedding paths. Required.
	Gateway *embed.Gateway

	// FanOut is the over-fetch multiplier applied to search candidates
	// before filtering. Defaults to 3.
	FanOut int

	// VisualMinScore drops visual hits with a cosine similarity below this
	// floor. Defaults to 0.22.
	VisualMinScore float64

	// ChunkMaxChars and ChunkOverlapChars configure text chunking.
	ChunkMaxChars     int
	ChunkOverlapChars int

	// RecoverCorrupt rebuilds both indices from the metadata store when the
	// persisted index files fail to load. Without it Open surfaces the load
	// error so the operator can rebuild explicitly.
	RecoverCorrupt bool

	Logger *slog.Logger
}

// Manager owns the metadata store and both vector indices. All writes go
// through here so the three backends never diverge.
type Manager struct {
	mu    sync.RWMutex // guards index pointers; writers serialize commits
	store *storage.Store
	text  *vecindex.Index
	vis   *vecindex.Index

	gw             *embed.Gateway
	fanOut         int
	visualMinScore float64
	maxChars       int
	overlapChars   int
	dataDir        string
	log            *slog.Logger
}

// Open opens the metadata store, loads both indices from disk, and returns
// a ready Manager. Callers own the handle and must Close it.
func Open(opts Options) (*Manager, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("memstore: Gateway is required")
	}
	if opts.FanOut <= 0 {
		opts.FanOut = 3
	}
	if opts.VisualMinScore == 0 {
		opts.VisualMinScore = 0.22
	}
	if opts.ChunkMaxChars <= 0 {
		opts.ChunkMaxChars = chunker.DefaultMaxChars
	}
	if opts.ChunkOverlapChars < 0 {
		opts.ChunkOverlapChars = chunker.DefaultOverlapChars
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	store, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	m := &Manager{
		store:          store,
		text:           vecindex.New(opts.Gateway.TextDim(), vecindex.MetricL2),
		vis:            vecindex.New(opts.Gateway.VisualDim(), vecindex.MetricIP),
		gw:             opts.Gateway,
		fanOut:         opts.FanOut,
		visualMinScore: opts.VisualMinScore,
		maxChars:       opts.ChunkMaxChars,
		overlapChars:   opts.ChunkOverlapChars,
		dataDir:        opts.DataDir,
		log:            opts.Logger,
	}

	if m.ephemeral() {
		return m, nil
	}

	loadErr := m.loadIndices(context.Background())
	if loadErr == nil {
		return m, nil
	}
	if !opts.RecoverCorrupt {
		store.Close()
		return nil, loadErr
	}

	m.log.Warn("index load failed, rebuilding from metadata store", "error", loadErr)
	m.text = vecindex.New(opts.Gateway.TextDim(), vecindex.MetricL2)
	m.vis = vecindex.New(opts.Gateway.VisualDim(), vecindex.MetricIP)
	if err := m.Rebuild(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("recovering indices: %w", err)
	}
	return m, nil
}

func (m *Manager) ephemeral() bool {
	return m.dataDir == ":memory:"
}

func (m *Manager) textIndexDir() string {
	return filepath.Join(m.dataDir, "index", "text")
}

func (m *Manager) visualIndexDir() string {
	return filepath.Join(m.dataDir, "index", "visual")
}

// loadIndices loads both index files and reconciles them against the
// metadata store. Index files that read cleanly but disagree with the chunk
// counts (lost unflushed adds, a deleted index directory) are as unusable
// as corrupt ones and surface the same way.
func (m *Manager) loadIndices(ctx context.Context) error {
	if err := m.text.Load(m.textIndexDir()); err != nil {
		return fmt.Errorf("loading text index: %w", err)
	}
	if err := m.vis.Load(m.visualIndexDir()); err != nil {
		return fmt.Errorf("loading visual index: %w", err)
	}

	stats, err := m.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("counting chunks: %w", err)
	}
	if m.text.Size() != stats.TextChunks || m.vis.Size() != stats.VisualChunks {
		return fmt.Errorf("index behind metadata store: %d/%d text and %d/%d visual vectors: %w",
			m.text.Size(), stats.TextChunks, m.vis.Size(), stats.VisualChunks, vecindex.ErrCorrupt)
	}
	return nil
}

// Flush persists both indices to disk. The metadata store needs no flush;
// SQLite commits on every transaction.
func (m *Manager) Flush() error {
	if m.ephemeral() {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dir := range []string{m.textIndexDir(), m.visualIndexDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating index directory: %w", err)
		}
	}
	if err := m.text.Save(m.textIndexDir()); err != nil {
		return fmt.Errorf("saving text index: %w", err)
	}
	if err := m.vis.Save(m.visualIndexDir()); err != nil {
		return fmt.Errorf("saving visual index: %w", err)
	}
	return nil
}

// Close flushes indices and closes the metadata store.
func (m *Manager) Close() error {
	flushErr := m.Flush()
	closeErr := m.store.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Store exposes the metadata store for read-side collaborators (API item
// lookups, the job queue). Writes must go through the Manager.
func (m *Manager) Store() *storage.Store {
	return m.store
}

// Stats reports item, chunk, and vector counts.
type Stats struct {
	Items         int `json:"items"`
	TextChunks    int `json:"text_chunks"`
	VisualChunks  int `json:"visual_chunks"`
	TextVectors   int `json:"text_vectors"`
	VisualVectors int `json:"visual_vectors"`
}

// Stats returns current store and index counts.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Stats{
		Items:         st.Items,
		TextChunks:    st.TextChunks,
		VisualChunks:  st.VisualChunks,
		TextVectors:   m.text.Size(),
		VisualVectors: m.vis.Size(),
	}, nil
}

// Rebuild reconstructs both vector indices from the metadata store by
// re-embedding every chunk payload. This is the recovery path for corrupt
// or dimension-mismatched index files; the metadata store is the source of
// truth.
func (m *Manager) Rebuild(ctx context.Context) error {
	newText := vecindex.New(m.gw.TextDim(), vecindex.MetricL2)
	newVis := vecindex.New(m.gw.VisualDim(), vecindex.MetricIP)
	slots := make(map[string]int)

	textChunks, err := m.store.AllChunks(ctx, storage.ModalityText)
	if err != nil {
		return fmt.Errorf("listing text chunks: %w", err)
	}
	if len(textChunks) > 0 {
		texts := make([]string, len(textChunks))
		for i, c := range textChunks {
			texts[i] = c.Text
		}
		vecs, err := m.gw.EmbedTextBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("re-embedding text chunks: %w", err)
		}
		for i, c := range textChunks {
			slot, err := newText.Add(c.ID, vecs[i])
			if err != nil {
				return fmt.Errorf("re-adding chunk %s: %w", c.ID, err)
			}
			slots[c.ID] = slot
		}
	}

	visChunks, err := m.store.AllChunks(ctx, storage.ModalityVisual)
	if err != nil {
		return fmt.Errorf("listing visual chunks: %w", err)
	}
	var dropped []string
	for _, c := range visChunks {
		data, err := os.ReadFile(c.FrameRef)
		if err != nil {
			m.log.Warn("dropping visual chunk, frame unreadable", "chunk", c.ID, "frame", c.FrameRef, "error", err)
			dropped = append(dropped, c.ID)
			continue
		}
		vec, err := m.gw.EmbedImage(ctx, data)
		if errors.Is(err, embed.ErrEncoding) {
			m.log.Warn("dropping visual chunk, frame undecodable", "chunk", c.ID, "error", err)
			dropped = append(dropped, c.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("re-embedding chunk %s: %w", c.ID, err)
		}
		slot, err := newVis.Add(c.ID, vec)
		if err != nil {
			return fmt.Errorf("re-adding chunk %s: %w", c.ID, err)
		}
		slots[c.ID] = slot
	}

	if err := m.store.DeleteChunks(ctx, dropped); err != nil {
		return err
	}
	if err := m.store.UpdateChunkSlots(ctx, slots); err != nil {
		return fmt.Errorf("recording rebuilt slots: %w", err)
	}

	m.mu.Lock()
	m.text = newText
	m.vis = newVis
	m.mu.Unlock()

	m.log.Info("indices rebuilt", "text_vectors", newText.Size(), "visual_vectors", newVis.Size())
	return m.Flush()
}
