package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Document is the full per-session file (spec.md §4.2, §6): metadata plus
// the ordered message list, plus ChildChats which is round-tripped
// opaquely (spec.md §9 — declared and persisted but never populated by any
// code path in the source this spec was distilled from).
type Document struct {
	ID              int64           `json:"id"`
	Fid             string          `json:"fid"`
	UpdatedAt       int64           `json:"updated_at"`
	Title           string          `json:"title"`
	ModelUsage      ModelUsage      `json:"model_usage"`
	AgentName       string          `json:"agent_name"`
	TotalMessages   int             `json:"total_messages"`
	TotalTokens     int64           `json:"total_tokens"`
	DurationSeconds int64           `json:"duration_seconds"`
	ChildChats      json.RawMessage `json:"child_chats,omitempty"`
	Messages        []Message       `json:"messages"`
}

// FileIO reads and writes per-session documents under a history root laid
// out as root/YYYY/MM/DD/HH-MM-SS.json (spec.md §4.2, §6).
type FileIO struct {
	Root string
}

// NewFileIO returns a FileIO rooted at root. Directories are created on
// demand by Write, not here.
func NewFileIO(root string) *FileIO {
	return &FileIO{Root: root}
}

// Write serializes doc to its fid-derived path atomically: write to a
// temp file, then rename, so a crash mid-write leaves the prior version
// intact (spec.md §4.2). Unknown fields are never produced by this writer,
// but Read below tolerates them on the way in.
func (f *FileIO) Write(doc Document) error {
	path, err := FidPath(f.Root, doc.Fid)
	if err != nil {
		return newIoError("write", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return newIoError("write", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return newIoError("write", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return newIoError("write", err)
	}
	return nil
}

// Read deserializes the document at path. It is only invoked by
// Placeholder.load (spec.md §4.2); Loaded.read is a no-op. Unknown future
// fields are ignored by encoding/json's default unmarshal behavior, which
// satisfies the "tolerant" requirement without extra code.
func (f *FileIO) Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, &LoadError{Kind: LoadErrorNotFound, Err: err}
		}
		return Document{}, newIoError("read", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, &LoadError{Kind: LoadErrorNotFound, Err: fmt.Errorf("empty document")}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &LoadError{Kind: LoadErrorCorrupt, Err: err}
	}
	return doc, nil
}
