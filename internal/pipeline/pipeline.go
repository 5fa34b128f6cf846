// Package pipeline sequences the mod synchronization actions (fetch the mod
// description, check local mods, sync) and derives play readiness. A
// Pipeline is not safe for concurrent use: every method and every action
// callback must run on the same owner loop.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/jaa/mod-launcher/internal/action"
	"github.com/jaa/mod-launcher/internal/manifest"
	"github.com/jaa/mod-launcher/internal/settings"
)

type State string

const (
	StateIdle                State = "idle"
	StateFetchingDescription State = "fetching_description"
	StateCheckingMods        State = "checking_mods"
	StateSyncing             State = "syncing"
)

var (
	ErrBusy            = errors.New("another action is in progress")
	ErrNoManifest      = errors.New("no mod description loaded")
	ErrNothingToCancel = errors.New("no sync in progress")
	ErrNotReady        = errors.New("not ready to play")
	ErrStopping        = errors.New("launcher is stopping")
)

const (
	outdatedMarker = "launcher is out of date"
	OutdatedTitle  = "Get the new version of the launcher!"
	CachedNotice   = "The launcher could not download mod requirements from the server. Using cached data from the last time the launcher has been used."

	TopicTorrentSettings = "torrent_settings"
)

type SyncRequest struct {
	Manifest manifest.Manifest
	Mods     []manifest.ModStatus
	// Seed keeps the worker serving the mods after they are in sync until
	// it is terminated.
	Seed bool
}

// Backend starts the worker actions. Each call returns an open handle whose
// callbacks are dispatched on the owner loop.
type Backend interface {
	DownloadModDescription() (*action.Handle, error)
	PrepareAndCheck(m manifest.Manifest) (*action.Handle, error)
	SyncAll(req SyncRequest) (*action.Handle, error)
}

type GameProcess interface {
	IsRunning(newlyLaunched bool) bool
	Run(mods []manifest.ModStatus) error
}

type Settings interface {
	Sync() settings.SyncSettings
	ModDataCache() (json.RawMessage, bool)
	SetModDataCache(data json.RawMessage) error
}

type Notice struct {
	Title  string
	Text   string
	Markup bool
	// Blocking notices must be acknowledged before the user continues.
	Blocking bool
}

// Snapshot is the observable pipeline state.
type Snapshot struct {
	State         State
	Active        action.Name
	Mods          []manifest.ModStatus
	CachedData    bool
	Seeding       bool
	GameRunning   bool
	PlayAvailable bool
	ReadyToPlay   bool
	Settings      settings.SyncSettings
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.State == o.State &&
		s.Active == o.Active &&
		s.CachedData == o.CachedData &&
		s.Seeding == o.Seeding &&
		s.GameRunning == o.GameRunning &&
		s.PlayAvailable == o.PlayAvailable &&
		s.ReadyToPlay == o.ReadyToPlay &&
		s.Settings == o.Settings &&
		slices.Equal(s.Mods, o.Mods)
}

// Observer receives pipeline events on the owner loop.
type Observer interface {
	StageStarted(name action.Name)
	Progress(name action.Name, p action.Progress)
	Resolved(name action.Name, r action.Result)
	Rejected(name action.Name, r action.Rejection)
	Notice(n Notice)
	StateChanged(s Snapshot)
}

type Options struct {
	Backend     Backend
	Game        GameProcess
	Settings    Settings
	Observer    Observer
	DepsPresent bool
	// DownloadURL is shown when the server rejects this launcher version.
	DownloadURL string
	Logger      *slog.Logger
}

type Pipeline struct {
	backend     Backend
	game        GameProcess
	settings    Settings
	observer    Observer
	depsPresent bool
	downloadURL string
	logger      *slog.Logger

	state      State
	active     *action.Handle
	manifest   *manifest.Manifest
	mods       []manifest.ModStatus
	cachedData bool
	seeding    bool
	// playLatched disables play from launch until the game is seen stopped.
	playLatched bool
	outdated    bool
	stopping    bool
	last        Snapshot
}

func New(opts Options) (*Pipeline, error) {
	if opts.Backend == nil || opts.Game == nil || opts.Settings == nil {
		return nil, errors.New("pipeline: backend, game and settings are required")
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		backend:     opts.Backend,
		game:        opts.Game,
		settings:    opts.Settings,
		observer:    opts.Observer,
		depsPresent: opts.DepsPresent,
		downloadURL: opts.DownloadURL,
		logger:      opts.Logger,
		state:       StateIdle,
		last:        Snapshot{State: StateIdle},
	}, nil
}

func (p *Pipeline) State() State { return p.state }

// Active returns the open handle, if any.
func (p *Pipeline) Active() *action.Handle { return p.active }

func (p *Pipeline) Mods() []manifest.ModStatus {
	return slices.Clone(p.mods)
}

func (p *Pipeline) Manifest() (manifest.Manifest, bool) {
	if p.manifest == nil {
		return manifest.Manifest{}, false
	}
	return *p.manifest, true
}

// Outdated reports whether the server rejected this launcher version.
func (p *Pipeline) Outdated() bool { return p.outdated }

// Stopping reports whether OnApplicationStop was called.
func (p *Pipeline) Stopping() bool { return p.stopping }

// Start fetches the mod description and then checks the local mods.
func (p *Pipeline) Start() error {
	if err := p.ensureIdle(); err != nil {
		return err
	}
	h, err := p.backend.DownloadModDescription()
	if err != nil {
		return fmt.Errorf("download mod description: %w", err)
	}
	p.outdated = false
	return p.begin(StateFetchingDescription, h, p.onDescriptionResolved, p.onDescriptionRejected)
}

// StartSync brings every mod up to date. With seed set the worker keeps
// serving the mods until terminated.
func (p *Pipeline) StartSync(seed bool) error {
	if err := p.ensureIdle(); err != nil {
		return err
	}
	if p.manifest == nil {
		return ErrNoManifest
	}
	h, err := p.backend.SyncAll(SyncRequest{Manifest: *p.manifest, Mods: p.Mods(), Seed: seed})
	if err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	p.seeding = seed
	return p.begin(StateSyncing, h, p.onSyncResolved, func(action.Rejection) {})
}

// RequestCancel asks the running sync to stop.
func (p *Pipeline) RequestCancel() error {
	h := p.openSync()
	if h == nil {
		return ErrNothingToCancel
	}
	h.RequestTermination()
	return nil
}

// Play launches the game. Unless seeding is set to always, a running sync
// is asked to stop first.
func (p *Pipeline) Play() error {
	if !p.readyToPlay(p.game.IsRunning(false)) {
		return ErrNotReady
	}
	if p.settings.Sync().SeedingType != settings.SeedAlways {
		if h := p.openSync(); h != nil {
			h.RequestTermination()
		}
	}
	if err := p.game.Run(p.Mods()); err != nil {
		return fmt.Errorf("run game: %w", err)
	}
	p.playLatched = true
	p.logger.Info("game launched")
	p.publish()
	return nil
}

// OnSettingsChanged forwards bandwidth limits to a running sync.
func (p *Pipeline) OnSettingsChanged(change settings.Change) {
	defer p.publish()
	if change.Key != settings.KeyMaxUploadSpeed && change.Key != settings.KeyMaxDownloadSpeed {
		return
	}
	h := p.openSync()
	if h == nil {
		return
	}
	if err := h.SendMessage(TopicTorrentSettings, map[string]any{change.Key: change.New}); err != nil {
		p.logger.Warn("forwarding settings to sync failed", "key", change.Key, "error", err)
	}
}

// OnApplicationStop requests termination of the open action. The returned
// channel is closed once no action is open. No action starts afterwards.
func (p *Pipeline) OnApplicationStop() <-chan struct{} {
	p.stopping = true
	if p.active == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	p.active.RequestTermination()
	return p.active.Done()
}

// PlayAvailable reports whether the game could be played with the current
// mods: every mod checked and up to date and all dependencies present.
func (p *Pipeline) PlayAvailable() bool {
	return p.depsPresent && manifest.AllUpToDate(p.mods)
}

func (p *Pipeline) readyToPlay(gameRunning bool) bool {
	return p.PlayAvailable() && !gameRunning && !p.playLatched
}

func (p *Pipeline) Snapshot() Snapshot {
	running := p.game.IsRunning(false)
	s := Snapshot{
		State:         p.state,
		Mods:          p.Mods(),
		CachedData:    p.cachedData,
		Seeding:       p.seeding,
		GameRunning:   running,
		PlayAvailable: p.PlayAvailable(),
		ReadyToPlay:   p.readyToPlay(running),
		Settings:      p.settings.Sync(),
	}
	if p.active != nil {
		s.Active = p.active.Name()
	}
	return s
}

func (p *Pipeline) publish() {
	s := p.Snapshot()
	if s.equal(p.last) {
		return
	}
	p.last = s
	p.observer.StateChanged(s)
}

func (p *Pipeline) ensureIdle() error {
	if p.stopping {
		return ErrStopping
	}
	if p.state != StateIdle || p.active != nil {
		return ErrBusy
	}
	return nil
}

func (p *Pipeline) openSync() *action.Handle {
	if p.active == nil || p.active.Name() != action.Sync || !p.active.IsOpen() {
		return nil
	}
	return p.active
}

// begin makes h the active handle. Callbacks from any other handle are
// stale and dropped.
func (p *Pipeline) begin(state State, h *action.Handle, onResolve func(action.Result), onReject func(action.Rejection)) error {
	name := h.Name()
	p.active = h
	p.state = state
	p.logger.Info("stage started", "action", string(name), "handle", h.ID().String())
	p.observer.StageStarted(name)
	p.publish()

	err := h.Then(
		func(r action.Result) {
			if !p.current(h) {
				return
			}
			p.finish()
			p.observer.Resolved(name, r)
			onResolve(r)
			p.publish()
		},
		func(r action.Rejection) {
			if !p.current(h) {
				return
			}
			p.finish()
			p.logger.Info("stage rejected", "action", string(name), "message", r.Message, "terminated", r.Terminated)
			p.observer.Rejected(name, r)
			onReject(r)
			p.publish()
		},
		func(pr action.Progress) {
			if !p.current(h) {
				return
			}
			p.observer.Progress(name, pr)
			if pr.Notice != nil {
				p.observer.Notice(Notice{Title: pr.Notice.Title, Text: pr.Notice.Text, Markup: pr.Notice.Markup})
			}
		},
	)
	if err != nil {
		p.finish()
		h.RequestTermination()
		p.publish()
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	return nil
}

func (p *Pipeline) current(h *action.Handle) bool {
	if p.active != h {
		p.logger.Debug("dropping stale action event", "handle", h.ID().String())
		return false
	}
	return true
}

func (p *Pipeline) finish() {
	p.active = nil
	p.state = StateIdle
	p.seeding = false
}

func (p *Pipeline) onDescriptionResolved(r action.Result) {
	m, err := manifest.Parse(r.Data)
	if err != nil {
		p.logger.Warn("server sent an invalid mod description", "error", err)
		p.observer.Rejected(action.DownloadDescription, action.Rejection{Message: err.Error()})
		p.fallBackToCache()
		return
	}
	if err := p.settings.SetModDataCache(r.Data); err != nil {
		p.logger.Warn("caching mod description failed", "error", err)
	}
	p.cachedData = false
	p.check(m)
}

func (p *Pipeline) onDescriptionRejected(r action.Rejection) {
	if strings.Contains(r.Message, outdatedMarker) || strings.Contains(r.Details, outdatedMarker) {
		p.outdated = true
		p.observer.Notice(Notice{
			Title:    OutdatedTitle,
			Text:     p.outdatedText(),
			Markup:   p.downloadURL != "",
			Blocking: true,
		})
		return
	}
	p.fallBackToCache()
}

func (p *Pipeline) outdatedText() string {
	text := "This launcher is out of date! You won't be able to download mods until you update to the latest version!"
	if p.downloadURL == "" {
		return text
	}
	return fmt.Sprintf("%s\n\nGet it here: [%s](%s)", text, p.downloadURL, p.downloadURL)
}

func (p *Pipeline) fallBackToCache() {
	raw, ok := p.settings.ModDataCache()
	if !ok {
		return
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		p.logger.Warn("cached mod description is unusable", "error", err)
		return
	}
	p.cachedData = true
	p.observer.Notice(Notice{Text: CachedNotice})
	p.check(m)
}

func (p *Pipeline) check(m manifest.Manifest) {
	p.manifest = &m
	h, err := p.backend.PrepareAndCheck(m)
	if err != nil {
		p.logger.Error("starting mod check failed", "error", err)
		p.observer.Rejected(action.CheckMods, action.Rejection{Message: err.Error()})
		return
	}
	if err := p.begin(StateCheckingMods, h, p.onCheckResolved, func(action.Rejection) {}); err != nil {
		p.logger.Error("mod check not started", "error", err)
	}
}

func (p *Pipeline) onCheckResolved(r action.Result) {
	var mods []manifest.ModStatus
	if err := r.Decode(&mods); err != nil {
		p.logger.Warn("mod check returned no mod states", "error", err)
		p.mods = nil
		p.observer.Rejected(action.CheckMods, action.Rejection{Message: "mod check returned no mod states", Details: err.Error()})
		return
	}
	p.mods = mods
}

func (p *Pipeline) onSyncResolved(r action.Result) {
	var mods []manifest.ModStatus
	if err := r.Decode(&mods); err != nil {
		p.logger.Debug("sync result carries no mod states", "error", err)
		return
	}
	p.mods = mods
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StageStarted(action.Name) {}
func (NopObserver) Progress(action.Name, action.Progress) {}
func (NopObserver) Resolved(action.Name, action.Result) {}
func (NopObserver) Rejected(action.Name, action.Rejection) {}
func (NopObserver) Notice(Notice) {}
func (NopObserver) StateChanged(Snapshot) {}
