package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pilldispenser/dispenser/internal/platform/serialport"
)

// Selection of the session variant at startup.
const (
	SelectAuto     = "auto"
	SelectSerial   = "serial"
	SelectDegraded = "degraded"
)

// OpenConfig describes how to obtain the process's Session.
type OpenConfig struct {
	Select     string
	Serial     serialport.Config
	BootDelay  time.Duration
	Timing     Timing
	QueueDepth int
}

// portOpener is swapped in tests.
var portOpener = func(cfg serialport.Config) (Transport, error) {
	p, err := serialport.Open(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Open returns the Session for this process. With SelectAuto a port that
// cannot be opened yields a DegradedSession; with SelectSerial it is an
// error.
func Open(cfg OpenConfig, logger zerolog.Logger) (Session, error) {
	switch cfg.Select {
	case SelectDegraded:
		logger.Warn().Msg("device session configured as degraded; no tablets will be dispensed")
		return NewDegradedSession(logger), nil
	case SelectAuto, SelectSerial, "":
	default:
		return nil, fmt.Errorf("unknown device selection %q", cfg.Select)
	}

	port, err := portOpener(cfg.Serial)
	if err != nil {
		if cfg.Select == SelectSerial {
			return nil, err
		}
		logger.Warn().Err(err).Str("port", cfg.Serial.Address).
			Msg("serial port unavailable; falling back to degraded device session")
		return NewDegradedSession(logger), nil
	}

	// Opening the port resets most microcontroller boards; give the
	// firmware time to boot and discard its banner.
	if cfg.BootDelay > 0 {
		time.Sleep(cfg.BootDelay)
	}
	banner, err := port.Discard()
	if err != nil {
		logger.Warn().Err(err).Msg("reset serial input buffer")
	}
	if len(banner) > 0 {
		logger.Debug().Str("banner", strings.TrimSpace(string(banner))).Msg("discarded boot output")
	}

	logger.Info().
		Str("port", cfg.Serial.Address).
		Int("baud", cfg.Serial.BaudRate).
		Msg("serial device session ready")
	return NewSerialSession(port, cfg.Serial.Address, cfg.Timing, cfg.QueueDepth, logger), nil
}
