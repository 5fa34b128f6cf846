package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/settings"
)

type fakeController struct {
	calls []string
}

func (c *fakeController) Start()  { c.calls = append(c.calls, "start") }
func (c *fakeController) Play()   { c.calls = append(c.calls, "play") }
func (c *fakeController) Sync()   { c.calls = append(c.calls, "sync") }
func (c *fakeController) Cancel() { c.calls = append(c.calls, "cancel") }

func (c *fakeController) SetSetting(key, value string) {
	c.calls = append(c.calls, key+"="+value)
}

func newTestModel() (Model, *fakeController) {
	ctrl := &fakeController{}
	return New(Options{Title: "Test Server", Controller: ctrl, Events: make(chan tea.Msg)}), ctrl
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return model
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

var outdatedMods = []manifest.ModStatus{
	{ID: "tacbf", Name: "@tacbf", Version: "1.2", UpToDate: false, MissingBytes: 3 << 20},
	{ID: "cba", Name: "@cba", UpToDate: true},
}

var currentMods = []manifest.ModStatus{
	{ID: "tacbf", Name: "@tacbf", Version: "1.2", UpToDate: true},
}

func TestEnterSyncsOutdatedMods(t *testing.T) {
	m, ctrl := newTestModel()
	m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{State: pipeline.StateIdle, Mods: outdatedMods}})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	if len(ctrl.calls) != 1 || ctrl.calls[0] != "sync" {
		t.Fatalf("expected a sync, got %v", ctrl.calls)
	}
	view := m.View()
	if !strings.Contains(view, "1 mod(s) need to be synced") || !strings.Contains(view, "3.0 MiB to download") {
		t.Fatalf("unexpected view:\n%s", view)
	}
}

func TestEnterPlaysWhenReady(t *testing.T) {
	m, ctrl := newTestModel()
	m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{Mods: currentMods, PlayAvailable: true, ReadyToPlay: true}})
	if !strings.Contains(m.View(), "Ready to play") {
		t.Fatalf("expected ready view:\n%s", m.View())
	}
	update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "play" {
		t.Fatalf("expected play, got %v", ctrl.calls)
	}
}

func TestKeysIgnoredWhileBusy(t *testing.T) {
	m, ctrl := newTestModel()
	m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{State: pipeline.StateCheckingMods, Active: action.CheckMods, Mods: outdatedMods}})
	m = update(t, m, runes("s"))
	m = update(t, m, runes("c"))
	update(t, m, runes("r"))
	if len(ctrl.calls) != 0 {
		t.Fatalf("expected no commands while checking, got %v", ctrl.calls)
	}
}

func TestCancelDuringSync(t *testing.T) {
	m, ctrl := newTestModel()
	m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{State: pipeline.StateSyncing, Active: action.Sync, Mods: outdatedMods}})
	m = update(t, m, ProgressMsg{Action: action.Sync, Progress: action.Progress{Message: "Syncing mods", Detail: 0.5}})
	if !strings.Contains(m.View(), "Syncing mods") {
		t.Fatalf("expected progress message:\n%s", m.View())
	}
	m = update(t, m, runes("c"))
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "cancel" {
		t.Fatalf("expected cancel, got %v", ctrl.calls)
	}

	m = update(t, m, RejectedMsg{Action: action.Sync, Rejection: action.Rejection{Message: action.TerminatedMessage, Terminated: true}})
	if !strings.Contains(m.View(), "Syncing mods stopped") {
		t.Fatalf("expected a stopped status:\n%s", m.View())
	}
}

func TestBlockingNoticeMustBeDismissed(t *testing.T) {
	m, ctrl := newTestModel()
	m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{Mods: outdatedMods}})
	m = update(t, m, NoticeMsg{Notice: pipeline.Notice{Title: pipeline.OutdatedTitle, Text: "update me", Blocking: true}})

	if !strings.Contains(m.View(), pipeline.OutdatedTitle) {
		t.Fatalf("expected the notice:\n%s", m.View())
	}
	m = update(t, m, runes("q"))
	if m.Quitting() {
		t.Fatalf("q should not skip a blocking notice")
	}
	m = update(t, m, runes("s"))
	if len(ctrl.calls) != 0 {
		t.Fatalf("keys should not reach the pipeline behind a notice, got %v", ctrl.calls)
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if strings.Contains(m.View(), pipeline.OutdatedTitle) {
		t.Fatalf("notice should be dismissed:\n%s", m.View())
	}
	m = update(t, m, runes("q"))
	if !m.Quitting() {
		t.Fatalf("expected quitting")
	}
}

func TestRejectionShowsError(t *testing.T) {
	m, _ := newTestModel()
	m = update(t, m, RejectedMsg{Action: action.CheckMods, Rejection: action.Rejection{Message: "could not download mod description", Details: "timeout"}})
	if !strings.Contains(m.View(), "could not download mod description") {
		t.Fatalf("expected the rejection:\n%s", m.View())
	}
}

func TestSettingsKeysAdjustLimits(t *testing.T) {
	cases := []struct {
		name    string
		current settings.SyncSettings
		key     tea.KeyMsg
		want    []string
	}{
		{
			name:    "tighten unlimited download",
			current: settings.SyncSettings{SeedingType: settings.SeedWhileNotPlaying},
			key:     runes("D"),
			want:    []string{"max_download_speed=16384"},
		},
		{
			name:    "lift download limit",
			current: settings.SyncSettings{MaxDownloadSpeed: 256},
			key:     runes("d"),
			want:    []string{"max_download_speed=512"},
		},
		{
			name:    "lift top step to unlimited",
			current: settings.SyncSettings{MaxUploadSpeed: 16384},
			key:     runes("u"),
			want:    []string{"max_upload_speed=0"},
		},
		{
			name:    "unlimited cannot go higher",
			current: settings.SyncSettings{},
			key:     runes("u"),
		},
		{
			name:    "lowest step stays",
			current: settings.SyncSettings{MaxUploadSpeed: 64},
			key:     runes("U"),
		},
		{
			name:    "odd value snaps to step",
			current: settings.SyncSettings{MaxUploadSpeed: 300},
			key:     runes("U"),
			want:    []string{"max_upload_speed=256"},
		},
		{
			name:    "cycle seeding",
			current: settings.SyncSettings{SeedingType: settings.SeedWhileNotPlaying},
			key:     runes("t"),
			want:    []string{"seeding_type=always"},
		},
		{
			name:    "cycle seeding from always",
			current: settings.SyncSettings{SeedingType: settings.SeedAlways},
			key:     runes("t"),
			want:    []string{"seeding_type=never"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, ctrl := newTestModel()
			m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{State: pipeline.StateSyncing, Active: action.Sync, Settings: tc.current}})
			update(t, m, tc.key)
			if strings.Join(ctrl.calls, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("expected %v, got %v", tc.want, ctrl.calls)
			}
		})
	}
}

func TestSettingsShownInView(t *testing.T) {
	m, _ := newTestModel()
	m = update(t, m, StateMsg{Snapshot: pipeline.Snapshot{Settings: settings.SyncSettings{
		SeedingType:      settings.SeedWhileNotPlaying,
		MaxDownloadSpeed: 1024,
	}}})
	view := m.View()
	for _, want := range []string{"Seeding: while not playing", "Upload: unlimited", "Download: 1.0 MiB/s"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
}

func TestSettingsKeysIgnoredBehindNotice(t *testing.T) {
	m, ctrl := newTestModel()
	m = update(t, m, NoticeMsg{Notice: pipeline.Notice{Text: "Using cached data"}})
	update(t, m, runes("d"))
	if len(ctrl.calls) != 0 {
		t.Fatalf("expected no commands behind a notice, got %v", ctrl.calls)
	}
}

func receive(t *testing.T, ch <-chan tea.Msg) tea.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an observer event")
		return nil
	}
}

func TestChannelObserverDeliversInOrder(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	o := NewChannelObserver(ch)
	defer o.Close()

	o.StageStarted(action.CheckMods)
	o.Rejected(action.CheckMods, action.Rejection{Message: "boom"})
	o.Status("done", false)

	if msg, ok := receive(t, ch).(StageMsg); !ok || msg.Action != action.CheckMods {
		t.Fatalf("unexpected first message %+v", msg)
	}
	if msg, ok := receive(t, ch).(RejectedMsg); !ok || msg.Rejection.Message != "boom" {
		t.Fatalf("unexpected second message %+v", msg)
	}
	if msg, ok := receive(t, ch).(StatusMsg); !ok || msg.Message != "done" {
		t.Fatalf("unexpected third message %+v", msg)
	}
}

func TestChannelObserverNeverBlocks(t *testing.T) {
	ch := make(chan tea.Msg)
	o := NewChannelObserver(ch)
	defer o.Close()

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 1000; i++ {
			o.Progress(action.Sync, action.Progress{Detail: float64(i) / 1000})
			o.StateChanged(pipeline.Snapshot{State: pipeline.StateSyncing})
			o.Notice(pipeline.Notice{Text: "notice"})
		}
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("observer blocked without a reader")
	}
}

func TestChannelObserverCoalescesProgress(t *testing.T) {
	ch := make(chan tea.Msg)
	o := NewChannelObserver(ch)
	defer o.Close()

	for _, detail := range []float64{0.1, 0.5, 0.9} {
		o.Progress(action.Sync, action.Progress{Detail: detail})
	}
	o.StateChanged(pipeline.Snapshot{State: pipeline.StateIdle})

	var progress []float64
	for {
		msg := receive(t, ch)
		if p, ok := msg.(ProgressMsg); ok {
			progress = append(progress, p.Progress.Detail)
			continue
		}
		if _, ok := msg.(StateMsg); !ok {
			t.Fatalf("unexpected message %T", msg)
		}
		break
	}
	if len(progress) == 0 || len(progress) > 3 || progress[len(progress)-1] != 0.9 {
		t.Fatalf("expected the latest progress last, got %v", progress)
	}
}

func TestChannelObserverDropsAfterClose(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	o := NewChannelObserver(ch)
	o.StageStarted(action.CheckMods)
	if msg, ok := receive(t, ch).(StageMsg); !ok || msg.Action != action.CheckMods {
		t.Fatalf("unexpected message %+v", msg)
	}

	o.Close()
	o.StateChanged(pipeline.Snapshot{})
	o.Status("late", false)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected message after close %T", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KiB",
		3 << 20: "3.0 MiB",
		5 << 30: "5.0 GiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
