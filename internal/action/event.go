package action

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

type Name string

const (
	DownloadDescription Name = "download_description"
	CheckMods           Name = "check_mods"
	Sync                Name = "sync"
)

// TerminatedMessage is the rejection message a worker uses to acknowledge a
// termination request.
const TerminatedMessage = "terminated"

type Kind int

const (
	KindProgress Kind = iota
	KindResolved
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindResolved:
		return "resolved"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Notice is a message a worker wants shown to the user.
type Notice struct {
	Title  string `json:"title,omitempty"`
	Text   string `json:"text"`
	Markup bool   `json:"markup,omitempty"`
}

// Progress reports intermediate state. Detail is a rate in bytes per second
// for download_description and a completion fraction in [0,1] otherwise.
type Progress struct {
	Message string  `json:"message"`
	Detail  float64 `json:"detail"`
	Notice  *Notice `json:"notice,omitempty"`
}

type Result struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the result payload into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return ErrNoData
	}
	return json.Unmarshal(r.Data, v)
}

// Rejection is the failure outcome of an action. Terminated is set when the
// handle was closed because termination had been requested.
type Rejection struct {
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Terminated bool   `json:"terminated,omitempty"`
}

func (r *Rejection) Error() string {
	return r.Message
}

// Summary returns the last non-empty line of Details, or Message when there
// are no details.
func (r Rejection) Summary() string {
	lines := strings.Split(strings.TrimSpace(r.Details), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return r.Message
}

type Event struct {
	HandleID  uuid.UUID
	Kind      Kind
	Progress  Progress
	Result    Result
	Rejection Rejection
}

func (e Event) Terminal() bool {
	return e.Kind != KindProgress
}

// Message is an out-of-band message from the owner to a running worker.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
