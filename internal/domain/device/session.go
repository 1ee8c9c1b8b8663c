// Package device owns the connection to the tablet dispenser.
//
// The dispenser has no addressing or session concept: it accepts one text
// frame ("1,2,2\n"), releases the tablets, and prints acknowledgement lines
// with no end-of-response marker. A Session therefore serializes every
// exchange and collects the reply by waiting for data, letting it settle,
// and draining what arrived.
package device

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrWriteFailed means the frame could not be written. The device
	// state is unknown afterwards, so the exchange is never retried.
	ErrWriteFailed = errors.New("device write failed")
	// ErrNoResponse means the frame was written but nothing came back
	// before the wait timeout. Tablets may still have been released.
	ErrNoResponse = errors.New("device did not respond")
	// ErrSessionClosed is returned for jobs submitted to, or still queued
	// on, a closed session.
	ErrSessionClosed = errors.New("device session closed")
	// ErrEmptyFrame is returned when asked to dispense no codes.
	ErrEmptyFrame = errors.New("no slot codes to dispense")
	// ErrExchangePanic means the exchange aborted on a panic. Whether the
	// frame reached the device is unknown.
	ErrExchangePanic = errors.New("device exchange aborted")
)

// Mode tells a real serial session apart from the degraded stand-in.
type Mode string

const (
	ModeSerial   Mode = "serial"
	ModeDegraded Mode = "degraded"
)

// Status is a point-in-time view of a session.
type Status struct {
	Mode    Mode   `json:"mode"`
	Address string `json:"address,omitempty"`
	Pending int    `json:"pending"`
	Closed  bool   `json:"closed"`
}

// Session is the process-wide handle on the dispenser. Implementations
// execute at most one Dispense against the device at a time.
type Session interface {
	// Dispense sends codes as one frame and returns the device's response
	// lines in emission order. Cancelling ctx only has an effect while the
	// job is still queued; once the frame is written the exchange finishes.
	Dispense(ctx context.Context, codes []string) ([]string, error)
	Mode() Mode
	Status() Status
	Close() error
}

// Timing holds the wait/settle parameters of an exchange.
type Timing struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
	SettleDelay  time.Duration
}

// DefaultTiming matches the dispenser firmware's observed behaviour.
func DefaultTiming() Timing {
	return Timing{
		PollInterval: 100 * time.Millisecond,
		WaitTimeout:  30 * time.Second,
		SettleDelay:  5 * time.Second,
	}
}

// Frame encodes codes as the wire command: comma-joined, newline-terminated.
func Frame(codes []string) []byte {
	return []byte(strings.Join(codes, ",") + "\n")
}
