package engine

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Mode selects which adapter the factory builds.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeLive      Mode = "live"
	ModeSimulated Mode = "simulated"
)

// ParseMode accepts the configured engine mode, defaulting to auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeLive:
		return ModeLive, nil
	case ModeSimulated, "mock", "sim":
		return ModeSimulated, nil
	}
	return "", fmt.Errorf("unknown engine mode %q", s)
}

type Config struct {
	Mode      Mode
	Live      LiveConfig
	Simulated SimulatedConfig
	Logger    *logrus.Logger
}

// New selects the adapter once. In auto mode a live init failure falls back
// to the simulated adapter; the choice never changes afterwards.
func New(cfg Config) (Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Live.Logger == nil {
		cfg.Live.Logger = cfg.Logger
	}

	switch cfg.Mode {
	case ModeSimulated:
		cfg.Logger.Info("engine mode: simulated")
		return NewSimulated(cfg.Simulated), nil
	case ModeLive:
		live, err := NewLive(cfg.Live)
		if err != nil {
			return nil, err
		}
		return live, nil
	case ModeAuto, "":
		live, err := NewLive(cfg.Live)
		if err == nil {
			return live, nil
		}
		cfg.Logger.WithError(err).Warn("live engine unavailable, falling back to simulated engine")
		return NewSimulated(cfg.Simulated), nil
	}
	return nil, initError(fmt.Errorf("unknown engine mode %q", cfg.Mode))
}
