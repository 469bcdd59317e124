// Package journal writes the framework's event journal: compressed JSONL,
// rotated hourly, one entry per material event (lifecycle transition, item
// receipt, location check, error broadcast).
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Entry kinds.
const (
	KindTransition = "transition"
	KindItem       = "item"
	KindCheck      = "check"
	KindScout      = "scout"
	KindError      = "error"
)

type Entry struct {
	Time string `json:"time"`
	Kind string `json:"kind"`

	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Message   string `json:"message,omitempty"`

	ItemID     int64  `json:"item_id,omitempty"`
	ItemName   string `json:"item_name,omitempty"`
	Sender     string `json:"sender,omitempty"`
	LocationID int64  `json:"location_id,omitempty"`
	ModID      string `json:"mod_id,omitempty"`

	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Journal writes framework events (compressed JSONL under <dir>/journal).
type Journal struct{ w *JSONLZstdWriter }

func New(baseDir string) *Journal {
	return &Journal{w: NewJSONLZstdWriter(filepath.Join(baseDir, "journal"), "events")}
}

func (j *Journal) Close() error { return j.w.Close() }

func stamp(e Entry) Entry {
	e.Time = time.Now().UTC().Format(time.RFC3339)
	return e
}

func (j *Journal) RecordTransition(from, to, message string) error {
	return j.w.Write(stamp(Entry{Kind: KindTransition, FromState: from, ToState: to, Message: message}))
}

func (j *Journal) RecordItem(itemID int64, itemName, sender, modID string) error {
	return j.w.Write(stamp(Entry{Kind: KindItem, ItemID: itemID, ItemName: itemName, Sender: sender, ModID: modID}))
}

func (j *Journal) RecordCheck(locationID int64, modID string) error {
	return j.w.Write(stamp(Entry{Kind: KindCheck, LocationID: locationID, ModID: modID}))
}

func (j *Journal) RecordScout(locationID int64, modID string) error {
	return j.w.Write(stamp(Entry{Kind: KindScout, LocationID: locationID, ModID: modID}))
}

func (j *Journal) RecordError(code, message, details string) error {
	return j.w.Write(stamp(Entry{Kind: KindError, Code: code, Message: message, Details: details}))
}
