package pipeline

import (
	"log/slog"

	"github.com/jaa/mod-launcher/internal/settings"
)

// Supervisor starts and stops background seeding according to the seeding
// setting and the observed game state. Tick runs on the owner loop.
type Supervisor struct {
	p      *Pipeline
	logger *slog.Logger
}

func NewSupervisor(p *Pipeline, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{p: p, logger: logger.With("component", "seeding")}
}

func (s *Supervisor) Tick() {
	p := s.p
	if p.stopping || !p.PlayAvailable() {
		return
	}

	live := p.game.IsRunning(false)
	seeding := p.settings.Sync().SeedingType
	stop := seeding == settings.SeedNever || (seeding == settings.SeedWhileNotPlaying && live)
	start := seeding == settings.SeedAlways || (seeding == settings.SeedWhileNotPlaying && !live)

	switch {
	case stop:
		if h := p.openSync(); h != nil && !h.TerminationRequested() {
			s.logger.Info("stopping seeding", "seeding_type", string(seeding), "game_running", live)
			h.RequestTermination()
		}
	case start:
		if p.active == nil {
			s.logger.Info("starting seeding", "seeding_type", string(seeding))
			if err := p.StartSync(true); err != nil {
				s.logger.Warn("seeding not started", "error", err)
			}
		}
	}

	if !live {
		p.playLatched = false
	}
	p.publish()
}
