package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ContentType classifies what kind of payload a memory item carries.
type ContentType string

const (
	TypeText           ContentType = "text"
	TypeURL            ContentType = "url"
	TypeImage          ContentType = "image"
	TypeFile           ContentType = "file"
	TypeCalendarEvent  ContentType = "calendar_event"
	TypeBrowserHistory ContentType = "browser_history"
	TypeEmail          ContentType = "email"
	TypeAudio          ContentType = "audio"
)

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	switch t {
	case TypeText, TypeURL, TypeImage, TypeFile, TypeCalendarEvent,
		TypeBrowserHistory, TypeEmail, TypeAudio:
		return true
	}
	return false
}

// Source identifies which collector produced a memory item.
type Source string

const (
	SourceBrowser        Source = "browser"
	SourceClipboard      Source = "clipboard"
	SourceGoogleCalendar Source = "google_calendar"
	SourceGmail          Source = "gmail"
	SourceFilesystem     Source = "filesystem"
	SourceScreenshot     Source = "screenshot"
	SourceAudio          Source = "audio"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceBrowser, SourceClipboard, SourceGoogleCalendar, SourceGmail,
		SourceFilesystem, SourceScreenshot, SourceAudio:
		return true
	}
	return false
}

// Modality selects which vector index a chunk belongs to.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityVisual Modality = "visual"
)

// MemoryItem is one ingested top-level content unit. Items are immutable
// after ingestion; the id is a content hash, so duplicates collide by
// construction.
type MemoryItem struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	ContentType ContentType       `json:"content_type"`
	Source      Source            `json:"source"`
	Preview     string            `json:"content_preview"`
	RawPath     string            `json:"raw_path,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Chunk is one embeddable fragment of a memory item. Text chunks carry the
// span text plus its offsets in the original; visual chunks carry a frame
// reference. VectorSlot is the slot the per-modality index assigned.
type Chunk struct {
	ID         string   `json:"id"`
	ParentID   string   `json:"parent_id"`
	Seq        int      `json:"seq"`
	Modality   Modality `json:"modality"`
	Text       string   `json:"text,omitempty"`
	SpanStart  int      `json:"span_start"`
	SpanEnd    int      `json:"span_end"`
	FrameRef   string   `json:"frame_ref,omitempty"`
	VectorSlot int      `json:"vector_slot"`
}

// Filter restricts QueryItems results. Zero values mean "no constraint".
type Filter struct {
	ContentType ContentType
	Source      Source
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Empty reports whether the filter imposes no constraints.
func (f Filter) Empty() bool {
	return f.ContentType == "" && f.Source == "" && f.Since.IsZero() && f.Until.IsZero()
}

// Stats summarizes store contents.
type Stats struct {
	Items        int
	TextChunks   int
	VisualChunks int
}

// Job is one queued async ingestion task.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
