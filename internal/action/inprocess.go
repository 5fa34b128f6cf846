package action

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// Reporter is the worker-side channel back to the owner.
type Reporter interface {
	Progress(p Progress)
	// Messages yields out-of-band messages sent with Handle.SendMessage.
	Messages() <-chan Message
}

// Task is the body of an action. A returned *Rejection is reported as is;
// any other error becomes a rejection carrying its text.
type Task func(ctx context.Context, r Reporter) (Result, error)

const messageBacklog = 32

type inProcess struct {
	task Task
}

// InProcess runs task on a goroutine of the current process.
func InProcess(task Task) Starter {
	return inProcess{task: task}
}

func (s inProcess) Start(ctx context.Context, sink Sink) (Worker, error) {
	if s.task == nil {
		return nil, errors.New("missing task")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := &goroutineWorker{
		cancel:   cancel,
		messages: make(chan Message, messageBacklog),
	}
	go func() {
		defer cancel()
		runTask(runCtx, s.task, &chanReporter{sink: sink, messages: w.messages}, sink)
	}()
	return w, nil
}

// runTask executes task and reports exactly one outcome to sink, including
// when the task panics.
func runTask(ctx context.Context, task Task, reporter Reporter, sink Sink) {
	defer func() {
		if r := recover(); r != nil {
			sink.Reject(Rejection{
				Message: "worker crashed",
				Details: fmt.Sprintf("%s\nworker crashed: panic: %v", debug.Stack(), r),
			})
		}
	}()

	result, err := task(ctx, reporter)
	if err == nil {
		sink.Resolve(result)
		return
	}
	sink.Reject(rejectionFor(ctx, err))
}

func rejectionFor(ctx context.Context, err error) Rejection {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return *rejection
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return Rejection{Message: TerminatedMessage}
	}
	return Rejection{Message: err.Error()}
}

type goroutineWorker struct {
	cancel   context.CancelFunc
	once     sync.Once
	messages chan Message
}

func (w *goroutineWorker) Send(msg Message) error {
	select {
	case w.messages <- msg:
		return nil
	default:
		return ErrBacklog
	}
}

func (w *goroutineWorker) Terminate() {
	w.once.Do(w.cancel)
}

// Kill cancels the task context. A goroutine cannot be stopped from outside,
// so a task that ignores its context keeps running detached from the handle.
func (w *goroutineWorker) Kill() {
	w.once.Do(w.cancel)
}

type chanReporter struct {
	sink     Sink
	messages chan Message
}

func (r *chanReporter) Progress(p Progress) {
	r.sink.Progress(p)
}

func (r *chanReporter) Messages() <-chan Message {
	return r.messages
}
