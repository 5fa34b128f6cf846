// Package tui is the interactive launcher screen. It renders pipeline events
// and forwards key presses to a Controller.
package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/pipeline"
	"github.com/jaa/mod-launcher/internal/settings"
)

// Controller runs user commands on the pipeline. Calls must not block;
// outcomes come back as observer events.
type Controller interface {
	Start()
	Play()
	Sync()
	Cancel()
	SetSetting(key, value string)
}

type Options struct {
	Title      string
	Controller Controller
	Events     <-chan tea.Msg
}

// Model is the Bubble Tea model of the launcher screen
type Model struct {
	title      string
	controller Controller
	events     <-chan tea.Msg

	snapshot  pipeline.Snapshot
	message   string
	fraction  float64
	rate      float64
	notices   []pipeline.Notice
	status    string
	statusErr bool
	quitting  bool

	spinner spinner.Model
	bar     progress.Model
	width   int
}

func New(opts Options) Model {
	title := opts.Title
	if title == "" {
		title = "Mod Launcher"
	}
	return Model{
		title:      title,
		controller: opts.Controller,
		events:     opts.Events,
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(AccentStyle)),
		bar:        progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(WaitForEvent(m.events), m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-4, 10), 60)
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case StageMsg:
		m.message = ""
		m.fraction = 0
		m.rate = 0
		return m, WaitForEvent(m.events)

	case ProgressMsg:
		m.message = msg.Progress.Message
		if msg.Action == action.DownloadDescription {
			m.rate = msg.Progress.Detail
		} else {
			m.fraction = msg.Progress.Detail
		}
		return m, WaitForEvent(m.events)

	case ResolvedMsg:
		m.setStatus(msg.Result.Message, false)
		return m, WaitForEvent(m.events)

	case RejectedMsg:
		if msg.Rejection.Terminated {
			m.setStatus(stageLabel(msg.Action)+" stopped", false)
		} else {
			m.setStatus(msg.Rejection.Summary(), true)
		}
		return m, WaitForEvent(m.events)

	case NoticeMsg:
		m.notices = append(m.notices, msg.Notice)
		return m, WaitForEvent(m.events)

	case StateMsg:
		m.snapshot = msg.Snapshot
		return m, WaitForEvent(m.events)

	case StatusMsg:
		m.setStatus(msg.Message, msg.IsError)
		return m, WaitForEvent(m.events)
	}
	return m, nil
}

func (m *Model) setStatus(message string, isError bool) {
	m.status = message
	m.statusErr = isError
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, Keys.Quit) && (msg.String() == "ctrl+c" || len(m.notices) == 0 || !m.notices[0].Blocking) {
		m.quitting = true
		return m, tea.Quit
	}
	if len(m.notices) > 0 {
		if key.Matches(msg, Keys.Dismiss) {
			m.notices = m.notices[1:]
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, Keys.Play):
		if m.snapshot.ReadyToPlay {
			m.controller.Play()
			return m, nil
		}
		if m.canSync() {
			m.controller.Sync()
		}
	case key.Matches(msg, Keys.Sync):
		if m.canSync() {
			m.controller.Sync()
		}
	case key.Matches(msg, Keys.Cancel):
		if m.snapshot.Active == action.Sync {
			m.controller.Cancel()
		}
	case key.Matches(msg, Keys.Retry):
		if m.snapshot.Active == "" {
			m.controller.Start()
		}
	case key.Matches(msg, Keys.Seeding):
		m.controller.SetSetting(settings.KeySeedingType, string(nextSeedingType(m.snapshot.Settings.SeedingType)))
	case key.Matches(msg, Keys.Upload):
		m.stepSpeed(settings.KeyMaxUploadSpeed, m.snapshot.Settings.MaxUploadSpeed, msg.String() == "u")
	case key.Matches(msg, Keys.Download):
		m.stepSpeed(settings.KeyMaxDownloadSpeed, m.snapshot.Settings.MaxDownloadSpeed, msg.String() == "d")
	}
	return m, nil
}

// stepSpeed moves a bandwidth limit one step. Lower-case keys lift the
// limit, upper-case keys tighten it.
func (m Model) stepSpeed(name string, current int64, faster bool) {
	next := nextSpeed(current, faster)
	if next == current {
		return
	}
	m.controller.SetSetting(name, strconv.FormatInt(next, 10))
}

// speedSteps are the selectable limits in KiB/s. Zero (unlimited) sits
// above the last step.
var speedSteps = []int64{64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

func nextSpeed(current int64, faster bool) int64 {
	if faster {
		if current == 0 {
			return 0
		}
		for _, step := range speedSteps {
			if step > current {
				return step
			}
		}
		return 0
	}
	if current == 0 {
		return speedSteps[len(speedSteps)-1]
	}
	for i := len(speedSteps) - 1; i >= 0; i-- {
		if speedSteps[i] < current {
			return speedSteps[i]
		}
	}
	return speedSteps[0]
}

func nextSeedingType(current settings.SeedingType) settings.SeedingType {
	switch current {
	case settings.SeedAlways:
		return settings.SeedNever
	case settings.SeedNever:
		return settings.SeedWhileNotPlaying
	default:
		return settings.SeedAlways
	}
}

func (m Model) canSync() bool {
	return m.snapshot.Active == "" && len(m.snapshot.Mods) > 0 && !manifest.AllUpToDate(m.snapshot.Mods)
}

// Quitting reports whether the user asked to leave.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) View() string {
	if m.quitting {
		return DimStyle.Render("Stopping…") + "\n"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.title))
	if m.snapshot.CachedData {
		b.WriteString(" " + AccentStyle.Render("(cached)"))
	}
	b.WriteString("\n\n")

	if len(m.notices) > 0 {
		b.WriteString(renderNotice(m.notices[0]))
		b.WriteString("\n\n")
		b.WriteString(DimStyle.Render(helpLine(Keys.Dismiss, Keys.Quit)))
		return b.String()
	}

	b.WriteString(m.activityView())
	b.WriteString("\n")

	if len(m.snapshot.Mods) > 0 {
		b.WriteString("\n")
		for _, mod := range m.snapshot.Mods {
			b.WriteString(modLine(mod))
			b.WriteString("\n")
		}
	}

	if m.status != "" {
		b.WriteString("\n")
		if m.statusErr {
			b.WriteString(ErrorStyle.Render(m.status))
		} else {
			b.WriteString(SubtitleStyle.Render(m.status))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(settingsLine(m.snapshot.Settings))
	b.WriteString("\n")
	b.WriteString(DimStyle.Render(helpLine(m.availableKeys()...)))
	return b.String()
}

func settingsLine(s settings.SyncSettings) string {
	seeding := strings.ReplaceAll(string(s.SeedingType), "_", " ")
	if seeding == "" {
		seeding = "-"
	}
	return SubtitleStyle.Render(fmt.Sprintf("Seeding: %s • Upload: %s • Download: %s",
		seeding, formatSpeed(s.MaxUploadSpeed), formatSpeed(s.MaxDownloadSpeed)))
}

func formatSpeed(kib int64) string {
	if kib <= 0 {
		return "unlimited"
	}
	return FormatBytes(kib*1024) + "/s"
}

func (m Model) activityView() string {
	s := m.snapshot
	switch {
	case s.Active == action.DownloadDescription:
		line := m.spinner.View() + " " + orDefault(m.message, stageLabel(s.Active))
		if m.rate > 0 {
			line += DimStyle.Render(" " + FormatBytes(int64(m.rate)) + "/s")
		}
		return line
	case s.Active == action.Sync && s.Seeding && m.fraction >= 1:
		return m.spinner.View() + " " + AccentStyle.Render(orDefault(m.message, "Seeding mods"))
	case s.Active != "":
		return m.spinner.View() + " " + orDefault(m.message, stageLabel(s.Active)) + "\n" + m.bar.ViewAs(m.fraction)
	case s.GameRunning:
		return AccentStyle.Render("Game is running")
	case s.ReadyToPlay:
		return SuccessStyle.Render(UpToDateChar + " Ready to play")
	case s.PlayAvailable:
		return SuccessStyle.Render(UpToDateChar + " Mods are up to date")
	case len(s.Mods) > 0 && manifest.AllUpToDate(s.Mods):
		return AccentStyle.Render("Mods are up to date but the game requirements are missing (see modl doctor)")
	case len(s.Mods) > 0:
		return AccentStyle.Render(fmt.Sprintf("%d mod(s) need to be synced", countOutdated(s.Mods)))
	default:
		return DimStyle.Render("No mod information yet")
	}
}

func (m Model) availableKeys() []key.Binding {
	var keys []key.Binding
	switch {
	case m.snapshot.ReadyToPlay:
		keys = append(keys, Keys.Play)
	case m.canSync():
		keys = append(keys, Keys.Sync)
	}
	if m.snapshot.Active == action.Sync {
		keys = append(keys, Keys.Cancel)
	}
	if m.snapshot.Active == "" {
		keys = append(keys, Keys.Retry)
	}
	return append(keys, Keys.Seeding, Keys.Upload, Keys.Download, Keys.Quit)
}

func renderNotice(n pipeline.Notice) string {
	style := NoticeStyle
	if n.Blocking {
		style = BlockingNoticeStyle
	}
	body := n.Text
	if n.Title != "" {
		body = TitleStyle.Render(n.Title) + "\n\n" + n.Text
	}
	return style.Render(body)
}

func modLine(mod manifest.ModStatus) string {
	name := mod.Name
	if mod.Version != "" {
		name += DimStyle.Render(" " + mod.Version)
	}
	if mod.UpToDate {
		return SuccessStyle.Render(UpToDateChar) + " " + name
	}
	missing := ""
	if mod.MissingBytes > 0 {
		missing = DimStyle.Render(" (" + FormatBytes(mod.MissingBytes) + " to download)")
	}
	return AccentStyle.Render(OutdatedChar) + " " + name + missing
}

func helpLine(bindings ...key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}

func stageLabel(name action.Name) string {
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

func countOutdated(mods []manifest.ModStatus) int {
	n := 0
	for _, mod := range mods {
		if !mod.UpToDate {
			n++
		}
	}
	return n
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
