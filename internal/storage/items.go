package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timeLayout is RFC3339 with fixed-width nanoseconds. Timestamps are stored
// as UTC strings, so they must sort lexicographically in timestamp order;
// RFC3339Nano strips trailing zeros and breaks that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// PutItem inserts a memory item. Item ids are content hashes, so inserting
// the same content twice is a no-op; the returned bool reports whether a new
// row was written.
func (s *Store) PutItem(ctx context.Context, item *MemoryItem) (bool, error) {
	attrs, err := encodeAttrs(item)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_items (id, created_at, content_type, source, content_preview, raw_path, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.CreatedAt.UTC().Format(timeLayout), string(item.ContentType),
		string(item.Source), item.Preview, item.RawPath, attrs)
	if err != nil {
		return false, fmt.Errorf("inserting item: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PutItemWithChunks writes the item row and every one of its chunks in a
// single transaction, so a crash can never leave an item without its chunks.
// An existing item that already has chunks is a duplicate and nothing is
// written; an existing chunkless row (an earlier interrupted write) is
// completed instead of skipped. The returned bool reports whether the
// chunks were committed.
func (s *Store) PutItemWithChunks(ctx context.Context, item *MemoryItem, chunks []*Chunk) (bool, error) {
	attrs, err := encodeAttrs(item)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_items (id, created_at, content_type, source, content_preview, raw_path, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.CreatedAt.UTC().Format(timeLayout), string(item.ContentType),
		string(item.Source), item.Preview, item.RawPath, attrs)
	if err != nil {
		return false, fmt.Errorf("inserting item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var existing int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM chunks WHERE parent_id = ?", item.ID).Scan(&existing); err != nil {
			return false, err
		}
		if existing > 0 {
			return false, nil
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, parent_id, seq, modality, text_span, span_start, span_end, frame_ref, vector_slot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.ParentID, c.Seq, string(c.Modality),
			c.Text, c.SpanStart, c.SpanEnd, c.FrameRef, c.VectorSlot); err != nil {
			return false, fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return true, tx.Commit()
}

func encodeAttrs(item *MemoryItem) (string, error) {
	if item.Attributes == nil {
		return "{}", nil
	}
	attrs, err := json.Marshal(item.Attributes)
	if err != nil {
		return "", fmt.Errorf("encoding attributes: %w", err)
	}
	return string(attrs), nil
}

// GetItem fetches a single memory item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, content_type, source, content_preview, raw_path, attributes
		FROM memory_items WHERE id = ?`, id)
	return scanItem(row)
}

// ItemExists reports whether an item with the given id is present.
func (s *Store) ItemExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_items WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QueryItems returns items matching the filter, newest first.
func (s *Store) QueryItems(ctx context.Context, f Filter) ([]*MemoryItem, error) {
	var (
		where []string
		args  []any
	)
	if f.ContentType != "" {
		where = append(where, "content_type = ?")
		args = append(args, string(f.ContentType))
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(timeLayout))
	}

	q := "SELECT id, created_at, content_type, source, content_preview, raw_path, attributes FROM memory_items"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer rows.Close()

	var items []*MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetItemsByIDs fetches the items with the given ids. Missing ids are
// silently skipped; the result is keyed by item id.
func (s *Store) GetItemsByIDs(ctx context.Context, ids []string) (map[string]*MemoryItem, error) {
	if len(ids) == 0 {
		return map[string]*MemoryItem{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, content_type, source, content_preview, raw_path, attributes
		FROM memory_items WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items by id: %w", err)
	}
	defer rows.Close()

	items := make(map[string]*MemoryItem, len(ids))
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items[item.ID] = item
	}
	return items, rows.Err()
}

// DeleteItem removes an item and all of its chunks in one transaction.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE parent_id = ?", id); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return tx.Commit()
}

// PutChunks writes all chunks in a single transaction. Callers pass every
// chunk of an item at once so a failure leaves nothing behind.
func (s *Store) PutChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, parent_id, seq, modality, text_span, span_start, span_end, frame_ref, vector_slot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.ParentID, c.Seq, string(c.Modality),
			c.Text, c.SpanStart, c.SpanEnd, c.FrameRef, c.VectorSlot); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListChunks returns an item's chunks ordered by sequence.
func (s *Store) ListChunks(ctx context.Context, parentID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, seq, modality, text_span, span_start, span_end, frame_ref, vector_slot
		FROM chunks WHERE parent_id = ? ORDER BY seq ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetChunksByIDs fetches the chunks with the given ids, keyed by chunk id.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) (map[string]*Chunk, error) {
	if len(ids) == 0 {
		return map[string]*Chunk{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, seq, modality, text_span, span_start, span_end, frame_ref, vector_slot
		FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by id: %w", err)
	}
	defer rows.Close()

	list, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	chunks := make(map[string]*Chunk, len(list))
	for _, c := range list {
		chunks[c.ID] = c
	}
	return chunks, nil
}

// AllChunks streams every chunk of one modality ordered by vector slot.
// Rebuild uses this to re-embed the whole corpus.
func (s *Store) AllChunks(ctx context.Context, m Modality) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, seq, modality, text_span, span_start, span_end, frame_ref, vector_slot
		FROM chunks WHERE modality = ? ORDER BY vector_slot ASC`, string(m))
	if err != nil {
		return nil, fmt.Errorf("listing %s chunks: %w", m, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// UpdateChunkSlots rewrites vector_slot for the given chunks in one
// transaction. Rebuild calls this after re-inserting vectors.
func (s *Store) UpdateChunkSlots(ctx context.Context, slots map[string]int) error {
	if len(slots) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE chunks SET vector_slot = ? WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id, slot := range slots {
		if _, err := stmt.ExecContext(ctx, slot, id); err != nil {
			return fmt.Errorf("updating slot for chunk %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeleteChunks removes the given chunk rows. Rebuild uses this to drop
// chunks whose raw payload is no longer readable.
func (s *Store) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// Stats counts items and per-modality chunks.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_items").Scan(&st.Items); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE modality = ?", string(ModalityText)).Scan(&st.TextChunks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE modality = ?", string(ModalityVisual)).Scan(&st.VisualChunks); err != nil {
		return nil, err
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*MemoryItem, error) {
	var (
		item      MemoryItem
		createdAt string
		ct, src   string
		attrsJSON string
	)
	err := row.Scan(&item.ID, &createdAt, &ct, &src, &item.Preview, &item.RawPath, &attrsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item: %w", err)
	}

	item.ContentType = ContentType(ct)
	item.Source = Source(src)
	if item.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(attrsJSON), &item.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	return &item, nil
}

func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		var (
			c Chunk
			m string
		)
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Seq, &m, &c.Text,
			&c.SpanStart, &c.SpanEnd, &c.FrameRef, &c.VectorSlot); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Modality = Modality(m)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}
