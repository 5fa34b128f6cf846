package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/pipeline"
)

// ChannelObserver adapts pipeline.Observer to a channel for Bubble Tea.
// Observer methods never block: events are queued and a relay goroutine
// hands them to the channel in order. A queued progress report or snapshot
// is replaced by a newer one of the same kind.
type ChannelObserver struct {
	ch        chan<- tea.Msg
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	backlog []tea.Msg
	wake    chan struct{}
}

var _ pipeline.Observer = (*ChannelObserver)(nil)

func NewChannelObserver(ch chan<- tea.Msg) *ChannelObserver {
	o := &ChannelObserver{
		ch:   ch,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go o.relay()
	return o
}

// Close stops delivery. Queued and later events are discarded.
func (o *ChannelObserver) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *ChannelObserver) StageStarted(name action.Name) {
	o.send(StageMsg{Action: name})
}

func (o *ChannelObserver) Progress(name action.Name, p action.Progress) {
	o.send(ProgressMsg{Action: name, Progress: p})
}

func (o *ChannelObserver) Resolved(name action.Name, r action.Result) {
	o.send(ResolvedMsg{Action: name, Result: r})
}

func (o *ChannelObserver) Rejected(name action.Name, r action.Rejection) {
	o.send(RejectedMsg{Action: name, Rejection: r})
}

func (o *ChannelObserver) Notice(n pipeline.Notice) {
	o.send(NoticeMsg{Notice: n})
}

func (o *ChannelObserver) StateChanged(s pipeline.Snapshot) {
	o.send(StateMsg{Snapshot: s})
}

// Status reports the outcome of a user command.
func (o *ChannelObserver) Status(message string, isError bool) {
	o.send(StatusMsg{Message: message, IsError: isError})
}

func (o *ChannelObserver) send(msg tea.Msg) {
	select {
	case <-o.done:
		return
	default:
	}

	o.mu.Lock()
	if n := len(o.backlog); n > 0 && supersedes(msg, o.backlog[n-1]) {
		o.backlog[n-1] = msg
	} else {
		o.backlog = append(o.backlog, msg)
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func supersedes(next, queued tea.Msg) bool {
	switch next := next.(type) {
	case ProgressMsg:
		prev, ok := queued.(ProgressMsg)
		return ok && prev.Action == next.Action && prev.Progress.Notice == nil && next.Progress.Notice == nil
	case StateMsg:
		_, ok := queued.(StateMsg)
		return ok
	}
	return false
}

func (o *ChannelObserver) relay() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			if len(o.backlog) == 0 {
				o.mu.Unlock()
				break
			}
			msg := o.backlog[0]
			o.backlog[0] = nil
			o.backlog = o.backlog[1:]
			o.mu.Unlock()

			select {
			case o.ch <- msg:
			case <-o.done:
				return
			}
		}
	}
}

// WaitForEvent reads the next observer event.
func WaitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}
