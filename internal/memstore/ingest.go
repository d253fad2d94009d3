package memstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/recallos/recall/internal/chunker"
	"github.com/recallos/recall/internal/embed"
	"github.com/recallos/recall/internal/storage"
	"github.com/recallos/recall/internal/vecindex"
)

// Record is the standardized content record collectors hand to Ingest.
// Text carries the payload for text-bearing content types; ImageData carries
// raw encoded image bytes for images. The id is derived from the payload
// when left empty, so the same content always collides with itself.
type Record struct {
	ID          string              `json:"id,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	ContentType storage.ContentType `json:"content_type"`
	Source      storage.Source      `json:"source"`
	Preview     string              `json:"content_preview"`
	RawPath     string              `json:"raw_path,omitempty"`
	Attributes  map[string]string   `json:"attributes,omitempty"`
	Text        string              `json:"text,omitempty"`
	ImageData   []byte              `json:"image_data,omitempty"`
}

// Status reports what Ingest did with a record.
type Status string

const (
	StatusIngested         Status = "ingested"
	StatusDuplicateSkipped Status = "duplicate_skipped"
)

// Result describes a completed ingestion.
type Result struct {
	ItemID       string `json:"item_id"`
	Status       Status `json:"status"`
	TextChunks   int    `json:"text_chunks"`
	VisualChunks int    `json:"visual_chunks"`
}

// IngestionError reports a failed ingestion. By the time it is returned the
// rollback has already run: no chunks, no index entries, no item row remain.
// The whole record can be retried.
type IngestionError struct {
	Reason string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingestion failed: %s: %v", e.Reason, e.Err)
	}
	return "ingestion failed: " + e.Reason
}

func (e *IngestionError) Unwrap() error { return e.Err }

// requiredAttrs lists attribute keys a record must carry per content type.
// Validated at the boundary so downstream code can trust the map.
var requiredAttrs = map[storage.ContentType][]string{
	storage.TypeURL:            {"url"},
	storage.TypeBrowserHistory: {"url"},
	storage.TypeCalendarEvent:  {"start_time"},
	storage.TypeEmail:          {"from"},
}

// pendingChunk is one embeddable unit planned for an item, before any
// storage or index write has happened.
type pendingChunk struct {
	modality storage.Modality
	text     string
	start    int
	end      int
	frameRef string
	vec      []float32
}

// Ingest validates, deduplicates, chunks, embeds, and commits one record.
// Item and chunk rows land in one SQLite transaction; any failure rolls both
// indices back to their pre-item sizes, so either the whole item is
// searchable or no trace of it remains.
func (m *Manager) Ingest(ctx context.Context, rec *Record) (*Result, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	id := rec.ID
	if id == "" {
		id = computeID(rec)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	// Cheap dedup check before embedding. The commit re-checks inside its
	// transaction, so this is advisory only. An item row without chunks is
	// an interrupted earlier write and gets re-ingested, not skipped.
	dup, err := m.itemCommitted(ctx, id)
	if err != nil {
		return nil, &IngestionError{Reason: "checking for duplicate", Err: err}
	}
	if dup {
		return &Result{ItemID: id, Status: StatusDuplicateSkipped}, nil
	}

	pending, err := m.embedRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, &IngestionError{Reason: "no encodable content"}
	}

	item := &storage.MemoryItem{
		ID:          id,
		CreatedAt:   rec.Timestamp,
		ContentType: rec.ContentType,
		Source:      rec.Source,
		Preview:     preview(rec),
		RawPath:     rec.RawPath,
		Attributes:  rec.Attributes,
	}

	result, err := m.commit(ctx, item, pending)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// itemCommitted reports whether the item already exists together with its
// chunks.
func (m *Manager) itemCommitted(ctx context.Context, id string) (bool, error) {
	exists, err := m.store.ItemExists(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	chunks, err := m.store.ListChunks(ctx, id)
	if err != nil {
		return false, err
	}
	return len(chunks) > 0, nil
}

// embedRecord routes the record's content type into (modality, payload)
// units and embeds each one. Per-unit encoding failures are skipped and
// logged; no storage or index write happens here.
func (m *Manager) embedRecord(ctx context.Context, rec *Record) ([]*pendingChunk, error) {
	var pending []*pendingChunk

	if rec.ContentType == storage.TypeImage {
		vec, err := m.gw.EmbedImage(ctx, rec.ImageData)
		if errors.Is(err, embed.ErrEncoding) {
			m.log.Warn("skipping undecodable image", "source", rec.Source, "error", err)
		} else if err != nil {
			return nil, &IngestionError{Reason: "embedding image", Err: err}
		} else {
			pending = append(pending, &pendingChunk{
				modality: storage.ModalityVisual,
				frameRef: rec.RawPath,
				vec:      vec,
			})
		}

		// OCR output rides along as text chunks so images are searchable
		// both visually and textually.
		if ocr := rec.Attributes["ocr_text"]; strings.TrimSpace(ocr) != "" {
			textChunks, err := m.embedSpans(ctx, ocr)
			if err != nil {
				return nil, err
			}
			pending = append(pending, textChunks...)
		}
		return pending, nil
	}

	return m.embedSpans(ctx, rec.Text)
}

// embedSpans chunks text and embeds each span, skipping spans the encoder
// rejects.
func (m *Manager) embedSpans(ctx context.Context, text string) ([]*pendingChunk, error) {
	spans := chunker.Chunk(text, m.maxChars, m.overlapChars)
	pending := make([]*pendingChunk, 0, len(spans))
	for i, span := range spans {
		vec, err := m.gw.EmbedText(ctx, span.Text)
		if errors.Is(err, embed.ErrEncoding) {
			m.log.Warn("skipping unencodable span", "span", i, "error", err)
			continue
		}
		if err != nil {
			return nil, &IngestionError{Reason: "embedding text", Err: err}
		}
		pending = append(pending, &pendingChunk{
			modality: storage.ModalityText,
			text:     span.Text,
			start:    span.Start,
			end:      span.End,
			vec:      vec,
		})
	}
	return pending, nil
}

// commit writes index entries for one item, then lands its item and chunk
// rows in a single transaction. On any failure both indices are truncated
// back to their pre-item sizes, leaving no trace of the item.
func (m *Manager) commit(ctx context.Context, item *storage.MemoryItem, pending []*pendingChunk) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	preText := m.text.Size()
	preVis := m.vis.Size()

	rollback := func() {
		m.text.TruncateTo(preText)
		m.vis.TruncateTo(preVis)
	}

	itemID := item.ID
	result := &Result{ItemID: itemID, Status: StatusIngested}
	chunks := make([]*storage.Chunk, 0, len(pending))
	for seq, p := range pending {
		cid := chunkID(itemID, seq)
		idx := m.text
		if p.modality == storage.ModalityVisual {
			idx = m.vis
		}
		slot, err := idx.Add(cid, p.vec)
		if err != nil {
			rollback()
			if errors.Is(err, vecindex.ErrDimensionMismatch) {
				return nil, err
			}
			return nil, &IngestionError{Reason: "adding vector", Err: err}
		}

		chunks = append(chunks, &storage.Chunk{
			ID:         cid,
			ParentID:   itemID,
			Seq:        seq,
			Modality:   p.modality,
			Text:       p.text,
			SpanStart:  p.start,
			SpanEnd:    p.end,
			FrameRef:   p.frameRef,
			VectorSlot: slot,
		})
		if p.modality == storage.ModalityText {
			result.TextChunks++
		} else {
			result.VisualChunks++
		}
	}

	inserted, err := m.store.PutItemWithChunks(ctx, item, chunks)
	if err != nil {
		rollback()
		return nil, &IngestionError{Reason: "storing item", Err: err}
	}
	if !inserted {
		// A concurrent ingest of the same content won the transaction.
		rollback()
		return &Result{ItemID: itemID, Status: StatusDuplicateSkipped}, nil
	}
	return result, nil
}

func validateRecord(rec *Record) error {
	if !rec.ContentType.Valid() {
		return &IngestionError{Reason: fmt.Sprintf("unknown content type %q", rec.ContentType)}
	}
	if !rec.Source.Valid() {
		return &IngestionError{Reason: fmt.Sprintf("unknown source %q", rec.Source)}
	}
	for _, key := range requiredAttrs[rec.ContentType] {
		if rec.Attributes[key] == "" {
			return &IngestionError{Reason: fmt.Sprintf("%s record missing attribute %q", rec.ContentType, key)}
		}
	}
	if rec.ContentType == storage.TypeImage {
		if len(rec.ImageData) == 0 {
			return &IngestionError{Reason: "image record has no image data"}
		}
	} else if strings.TrimSpace(rec.Text) == "" {
		return &IngestionError{Reason: "record has no text content"}
	}
	return nil
}

// computeID hashes the record payload so identical content maps to one item.
func computeID(rec *Record) string {
	h := sha256.New()
	h.Write([]byte(rec.ContentType))
	h.Write([]byte{0})
	if rec.ContentType == storage.TypeImage {
		h.Write(rec.ImageData)
	} else {
		h.Write([]byte(rec.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func preview(rec *Record) string {
	if rec.Preview != "" {
		return rec.Preview
	}
	const max = 120
	text := strings.TrimSpace(rec.Text)
	if len(text) > max {
		return text[:max]
	}
	return text
}

func chunkID(parentID string, seq int) string {
	return fmt.Sprintf("%s:%04d", parentID, seq)
}
