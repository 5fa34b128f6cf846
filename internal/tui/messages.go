package tui

import (
	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/pipeline"
)

// StageMsg signals that an action started
type StageMsg struct {
	Action action.Name
}

// ProgressMsg carries one progress report of the running action
type ProgressMsg struct {
	Action   action.Name
	Progress action.Progress
}

// ResolvedMsg signals that an action finished
type ResolvedMsg struct {
	Action action.Name
	Result action.Result
}

// RejectedMsg signals that an action failed or was terminated
type RejectedMsg struct {
	Action    action.Name
	Rejection action.Rejection
}

// NoticeMsg queues a message for the user
type NoticeMsg struct {
	Notice pipeline.Notice
}

// StateMsg carries a new pipeline snapshot
type StateMsg struct {
	Snapshot pipeline.Snapshot
}

// StatusMsg sets the status line
type StatusMsg struct {
	Message string
	IsError bool
}
