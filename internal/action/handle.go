package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed            = errors.New("action handle is closed")
	ErrAlreadySubscribed = errors.New("action handle already has subscribers")
	ErrNoData            = errors.New("result carries no data")
	ErrBacklog           = errors.New("worker message queue is full")
)

const DefaultGrace = 10 * time.Second

// Dispatcher runs callbacks on the owner's event loop. Post must not block.
type Dispatcher interface {
	Post(fn func())
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(fn func())

func (f DispatchFunc) Post(fn func()) { f(fn) }

// Sink receives the outcomes produced by a worker. Implementations must be
// safe for concurrent use.
type Sink interface {
	Progress(p Progress)
	Resolve(r Result)
	Reject(r Rejection)
}

// Worker is the owner's view of running work.
type Worker interface {
	Send(msg Message) error
	// Terminate asks the worker to stop cooperatively.
	Terminate()
	// Kill stops the worker unconditionally.
	Kill()
}

// Starter begins work and reports its outcomes to sink.
type Starter interface {
	Start(ctx context.Context, sink Sink) (Worker, error)
}

type Options struct {
	Dispatcher Dispatcher
	// Grace bounds how long a termination request may stay unanswered
	// before the worker is killed.
	Grace  time.Duration
	Logger *slog.Logger
}

// Handle is the owner-side reference to one running action. It is closed by
// exactly one terminal event and never reopened.
type Handle struct {
	id         uuid.UUID
	name       Name
	dispatcher Dispatcher
	grace      time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	open        bool
	terminating bool
	subscribed  bool
	pending     []Event
	onResolve   func(Result)
	onReject    func(Rejection)
	onProgress  func(Progress)
	worker      Worker
	killTimer   *time.Timer
	done        chan struct{}
}

// Start creates a handle for name and starts the work behind it.
func Start(ctx context.Context, name Name, starter Starter, opts Options) (*Handle, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("action: dispatcher is required")
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &Handle{
		id:         uuid.New(),
		name:       name,
		dispatcher: opts.Dispatcher,
		grace:      opts.Grace,
		open:       true,
		done:       make(chan struct{}),
	}
	h.logger = opts.Logger.With("action", string(name), "handle", h.id.String())

	worker, err := starter.Start(ctx, handleSink{h: h})
	if err != nil {
		h.mu.Lock()
		h.open = false
		close(h.done)
		h.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	h.mu.Lock()
	h.worker = worker
	h.mu.Unlock()
	h.logger.Debug("action started")
	return h, nil
}

func (h *Handle) ID() uuid.UUID { return h.id }

func (h *Handle) Name() Name { return h.name }

// IsOpen reports whether the terminal event has not been produced yet.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// TerminationRequested reports whether RequestTermination has been called
// while the handle was open.
func (h *Handle) TerminationRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminating
}

// Done is closed once the handle is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Then subscribes the callbacks. Events produced before the call are
// replayed in order. Callbacks run on the dispatcher.
func (h *Handle) Then(resolve func(Result), reject func(Rejection), progress func(Progress)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribed {
		return ErrAlreadySubscribed
	}
	h.subscribed = true
	h.onResolve = resolve
	h.onReject = reject
	h.onProgress = progress
	for _, event := range h.pending {
		h.dispatchLocked(event)
	}
	h.pending = nil
	return nil
}

// RequestTermination asks the worker to stop. Repeated calls and calls on a
// closed handle are no-ops. If the worker does not answer within the grace
// period it is killed and the handle is rejected with TerminatedMessage.
func (h *Handle) RequestTermination() {
	h.mu.Lock()
	if !h.open || h.terminating {
		h.mu.Unlock()
		return
	}
	h.terminating = true
	worker := h.worker
	h.killTimer = time.AfterFunc(h.grace, h.forceKill)
	h.mu.Unlock()

	h.logger.Info("termination requested", "grace", h.grace)
	if worker != nil {
		worker.Terminate()
	}
}

func (h *Handle) forceKill() {
	h.mu.Lock()
	if !h.open {
		h.mu.Unlock()
		return
	}
	worker := h.worker
	h.mu.Unlock()

	h.logger.Warn("worker ignored termination request, killing")
	if worker != nil {
		worker.Kill()
	}
	h.finish(Event{
		Kind: KindRejected,
		Rejection: Rejection{
			Message: TerminatedMessage,
			Details: fmt.Sprintf("worker did not stop within %s and was killed", h.grace),
		},
	})
}

// SendMessage delivers an out-of-band message to the worker.
func (h *Handle) SendMessage(topic string, payload any) error {
	h.mu.Lock()
	if !h.open {
		h.mu.Unlock()
		return ErrClosed
	}
	worker := h.worker
	h.mu.Unlock()
	if worker == nil {
		return ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return worker.Send(Message{Topic: topic, Payload: raw})
}

func (h *Handle) emit(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		h.logger.Debug("dropping progress after close")
		return
	}
	event.HandleID = h.id
	h.deliverLocked(event)
}

func (h *Handle) finish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		h.logger.Debug("dropping duplicate terminal event", "kind", event.Kind.String())
		return
	}
	h.open = false
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	if event.Kind == KindRejected && h.terminating {
		event.Rejection.Terminated = true
	}
	event.HandleID = h.id
	close(h.done)
	h.deliverLocked(event)
	h.logger.Debug("action closed", "kind", event.Kind.String())
}

func (h *Handle) deliverLocked(event Event) {
	if !h.subscribed {
		h.pending = append(h.pending, event)
		return
	}
	h.dispatchLocked(event)
}

func (h *Handle) dispatchLocked(event Event) {
	resolve, reject, progress := h.onResolve, h.onReject, h.onProgress
	switch event.Kind {
	case KindProgress:
		if progress != nil {
			h.dispatcher.Post(func() { progress(event.Progress) })
		}
	case KindResolved:
		if resolve != nil {
			h.dispatcher.Post(func() { resolve(event.Result) })
		}
	case KindRejected:
		if reject != nil {
			h.dispatcher.Post(func() { reject(event.Rejection) })
		}
	}
}

type handleSink struct {
	h *Handle
}

func (s handleSink) Progress(p Progress) {
	s.h.emit(Event{Kind: KindProgress, Progress: p})
}

func (s handleSink) Resolve(r Result) {
	s.h.finish(Event{Kind: KindResolved, Result: r})
}

func (s handleSink) Reject(r Rejection) {
	s.h.finish(Event{Kind: KindRejected, Rejection: r})
}
