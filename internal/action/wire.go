package action

import (
	"encoding/json"
	"io"
	"sync"
)

// Line types exchanged with a worker subprocess. Each line is one JSON
// object terminated by a newline.
const (
	lineProgress  = "progress"
	lineResolve   = "resolve"
	lineReject    = "reject"
	lineInput     = "input"
	lineMessage   = "message"
	lineTerminate = "terminate"
)

type wireLine struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Detail  float64         `json:"detail,omitempty"`
	Notice  *Notice         `json:"notice,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Details string          `json:"details,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &lineWriter{enc: enc}
}

func (w *lineWriter) write(line wireLine) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(line)
}

// maxLineSize bounds a single protocol line; results carry whole manifests.
const maxLineSize = 16 * 1024 * 1024
