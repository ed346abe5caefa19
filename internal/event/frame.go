package event

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Wire format: JSON frames over a bidirectional message transport, one
// logical message per transport frame. Timestamps are ISO-8601 UTC strings.

// Frame is the outbound shape of a single event.
type Frame struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	Category     Category       `json:"category"`
	Priority     Priority       `json:"priority"`
	Severity     Severity       `json:"severity"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    string         `json:"timestamp"`
	SourceUserID string         `json:"source_user_id,omitempty"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	Metadata     Metadata       `json:"metadata"`
	ExpiresAt    string         `json:"expires_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
}

// NewFrame projects an event onto its wire shape.
func NewFrame(e *Event) Frame {
	f := Frame{
		ID:           e.ID.String(),
		Type:         e.Type,
		Category:     e.Category(),
		Priority:     e.Priority,
		Severity:     e.Severity,
		Data:         e.Data,
		Timestamp:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		SourceUserID: e.SourceUserID,
		TargetUserID: e.TargetUserID,
		Metadata:     e.Metadata,
		RetryCount:   e.RetryCount,
		MaxRetries:   e.MaxRetries,
	}
	if e.ExpiresAt != nil {
		f.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return f
}

// Marshal serializes the frame to its wire bytes.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// BatchFrameType tags batched outbound frames.
const BatchFrameType = "batched_events"

// BatchFrame groups events for a single recipient into one transport frame.
// Priority carries the highest priority present in the batch so clients can
// prioritize rendering without unpacking.
type BatchFrame struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	BatchSize  int      `json:"batch_size"`
	Priority   Priority `json:"priority"`
	Compressed bool     `json:"compressed"`
	Events     []Frame  `json:"events"`
}

// NewBatchFrame wraps frames in a batch envelope with a fresh batch id.
func NewBatchFrame(frames []Frame) BatchFrame {
	highest := PriorityLow
	for _, f := range frames {
		if f.Priority.Rank() > highest.Rank() {
			highest = f.Priority
		}
	}
	return BatchFrame{
		ID:        uuid.NewString(),
		Type:      BatchFrameType,
		BatchSize: len(frames),
		Priority:  highest,
		Events:    frames,
	}
}

// CompressedFrame is the wire shape of a gzip-compressed frame. Consumers
// detect compression via the flag; data is hex-encoded gzip bytes.
type CompressedFrame struct {
	Compressed       bool    `json:"compressed"`
	CompressionRatio float64 `json:"compression_ratio"`
	Data             string  `json:"data"`
}

// CompressionRatioGate: compression is only worth carrying when the
// compressed payload is below this fraction of the original.
const CompressionRatioGate = 0.8

// Compress gzips payload and wraps it in a CompressedFrame, returning the
// wrapped bytes and true only when the ratio clears the gate. Otherwise the
// original payload comes back unchanged with false.
func Compress(payload []byte) ([]byte, bool, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return payload, false, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return payload, false, fmt.Errorf("gzip close: %w", err)
	}

	ratio := float64(buf.Len()) / float64(len(payload))
	if ratio >= CompressionRatioGate {
		return payload, false, nil
	}

	out, err := json.Marshal(CompressedFrame{
		Compressed:       true,
		CompressionRatio: ratio,
		Data:             hex.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return payload, false, fmt.Errorf("marshal compressed frame: %w", err)
	}
	return out, true, nil
}

// Decompress reverses Compress. Payloads without the compressed flag come
// back untouched.
func Decompress(payload []byte) ([]byte, error) {
	var cf CompressedFrame
	if err := json.Unmarshal(payload, &cf); err != nil || !cf.Compressed {
		return payload, nil
	}
	raw, err := hex.DecodeString(cf.Data)
	if err != nil {
		return nil, fmt.Errorf("decode compressed frame: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
