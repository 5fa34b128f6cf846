package output

import (
	"log/slog"
	"time"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/pipeline"
)

// Observer turns pipeline callbacks into emitted events.
type Observer struct {
	emitter EventEmitter
	logger  *slog.Logger
	now     func() time.Time
	last    pipeline.Snapshot
	onState func(pipeline.Snapshot)
}

var _ pipeline.Observer = (*Observer)(nil)

// NewObserver emits to emitter. onState, when set, also receives every
// snapshot.
func NewObserver(emitter EventEmitter, logger *slog.Logger, onState func(pipeline.Snapshot)) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{emitter: emitter, logger: logger, now: time.Now, onState: onState}
}

func (o *Observer) StageStarted(name action.Name) {
	o.emit(Event{Level: LevelInfo, Event: EventActionStarted, Action: string(name), Message: stageMessage(name)})
}

func (o *Observer) Progress(name action.Name, p action.Progress) {
	event := Event{Level: LevelInfo, Event: EventActionProgress, Action: string(name), Message: p.Message}
	if name == action.DownloadDescription {
		event.Details = map[string]any{"bytes_per_second": p.Detail}
	} else {
		done := p.Detail
		event.Progress = &done
	}
	o.emit(event)
}

func (o *Observer) Resolved(name action.Name, r action.Result) {
	o.emit(Event{Level: LevelInfo, Event: EventActionResolved, Action: string(name), Message: r.Message})
}

func (o *Observer) Rejected(name action.Name, r action.Rejection) {
	level := LevelError
	if r.Terminated {
		level = LevelWarn
	}
	event := Event{Level: level, Event: EventActionRejected, Action: string(name), Message: r.Summary()}
	if r.Details != "" {
		event.Details = map[string]any{"message": r.Message, "details": r.Details, "terminated": r.Terminated}
	}
	o.emit(event)
}

func (o *Observer) Notice(n pipeline.Notice) {
	message := n.Text
	if n.Title != "" {
		message = n.Title + ": " + n.Text
	}
	level := LevelInfo
	if n.Blocking {
		level = LevelWarn
	}
	o.emit(Event{Level: level, Event: EventNotice, Message: message, Details: map[string]any{"blocking": n.Blocking}})
}

func (o *Observer) StateChanged(s pipeline.Snapshot) {
	o.last = s
	if o.onState != nil {
		o.onState(s)
	}
	o.emit(Event{
		Level:   LevelInfo,
		Event:   EventStateChanged,
		Message: string(s.State),
		Details: map[string]any{
			"seeding":        s.Seeding,
			"game_running":   s.GameRunning,
			"play_available": s.PlayAvailable,
			"ready_to_play":  s.ReadyToPlay,
			"cached_data":    s.CachedData,
		},
	})
}

// Last returns the most recent snapshot.
func (o *Observer) Last() pipeline.Snapshot {
	return o.last
}

func (o *Observer) emit(event Event) {
	event.Timestamp = o.now().UTC()
	if err := o.emitter.Emit(event); err != nil {
		o.logger.Warn("emitting event failed", "event", event.Event, "error", err)
	}
}

func stageMessage(name action.Name) string {
	switch name {
	case action.DownloadDescription:
		return "Downloading mod description"
	case action.CheckMods:
		return "Checking mods"
	case action.Sync:
		return "Syncing mods"
	default:
		return string(name)
	}
}
