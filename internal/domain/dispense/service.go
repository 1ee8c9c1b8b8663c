// Package dispense runs the patient-code-to-tablets pipeline: validate the
// code, resolve its prescription, map medicines to slot codes and, when
// dispensing, drive the device session.
package dispense

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/pilldispenser/dispenser/internal/domain/device"
	"github.com/pilldispenser/dispenser/internal/domain/prescription"
)

// Mode selects how far the pipeline runs.
type Mode string

const (
	ModeLookup   Mode = "lookup"
	ModeDispense Mode = "dispense"
)

// Resolver finds a patient's prescription.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*prescription.Prescription, error)
}

// Mapper turns medicine names into slot codes, in order.
type Mapper interface {
	MapToCodes(names []string) (codes []string, unmapped []string)
}

// Metrics receives pipeline measurements.
type Metrics interface {
	ObserveOperation(operation, outcome string, d time.Duration)
	AddUnmapped(n int)
	ObserveDeviceExchange(result string)
	SetDevicePending(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, string, time.Duration) {}
func (nopMetrics) AddUnmapped(int)                                {}
func (nopMetrics) ObserveDeviceExchange(string)                   {}
func (nopMetrics) SetDevicePending(int)                           {}

// Result is the shaped outcome of a lookup or dispense.
type Result struct {
	Status         string                     `json:"status"`
	Mode           Mode                       `json:"mode"`
	PatientCode    string                     `json:"patientCode"`
	Tablets        []string                   `json:"tablets"`
	Unmapped       []string                   `json:"unmapped"`
	Prescription   *prescription.Prescription `json:"prescription"`
	DeviceResponse []string                   `json:"deviceResponse"`
}

// Orchestrator is safe for concurrent use. Lookups run in parallel;
// dispenses are serialized by the device session.
type Orchestrator struct {
	resolver Resolver
	mapper   Mapper
	session  device.Session
	pattern  *regexp.Regexp
	metrics  Metrics
	logger   zerolog.Logger
}

// NewOrchestrator wires the pipeline. A nil metrics discards measurements.
func NewOrchestrator(resolver Resolver, mapper Mapper, session device.Session, pattern *regexp.Regexp, metrics Metrics, logger zerolog.Logger) *Orchestrator {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Orchestrator{
		resolver: resolver,
		mapper:   mapper,
		session:  session,
		pattern:  pattern,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispense").Logger(),
	}
}

// Lookup resolves and maps code without touching the device.
func (o *Orchestrator) Lookup(ctx context.Context, code string) (*Result, error) {
	return o.run(ctx, code, ModeLookup)
}

// Dispense resolves and maps code, then sends the slot codes to the device.
// On KindNoResponse the returned Result is non-nil and lists the tablets
// that were sent.
func (o *Orchestrator) Dispense(ctx context.Context, code string) (*Result, error) {
	return o.run(ctx, code, ModeDispense)
}

// Prescription validates code and returns its prescription unmapped.
func (o *Orchestrator) Prescription(ctx context.Context, code string) (*prescription.Prescription, error) {
	if err := o.validate(code); err != nil {
		return nil, err
	}
	return o.resolve(ctx, code)
}

// SessionMode reports the injected session's variant.
func (o *Orchestrator) SessionMode() device.Mode { return o.session.Mode() }

// DeviceStatus reports the injected session's state.
func (o *Orchestrator) DeviceStatus() device.Status {
	return o.session.Status()
}

// ValidCode reports whether code matches the patient code format.
func (o *Orchestrator) ValidCode(code string) bool {
	return o.pattern.MatchString(code)
}

func (o *Orchestrator) run(ctx context.Context, code string, mode Mode) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("patient_code", code).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("panic in dispense pipeline")
			res, err = nil, newError(KindInternal, "internal error", fmt.Errorf("panic: %v", r))
		}
		o.finish(mode, code, res, err, time.Since(start))
	}()

	if err := o.validate(code); err != nil {
		return nil, err
	}
	p, err := o.resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	codes, unmapped := o.mapper.MapToCodes(p.Names())
	if len(unmapped) > 0 {
		o.metrics.AddUnmapped(len(unmapped))
		for _, name := range unmapped {
			o.logger.Warn().Str("patient_code", code).Str("medicine", name).Msg("medicine has no slot code; skipped")
		}
	}
	res = &Result{
		Mode:           mode,
		PatientCode:    code,
		Tablets:        nonNil(codes),
		Unmapped:       nonNil(unmapped),
		Prescription:   p,
		DeviceResponse: []string{},
	}
	if len(codes) == 0 {
		return nil, newError(KindNoMappableMedicines, "no prescribed medicine can be dispensed", nil)
	}
	if mode == ModeLookup {
		res.Status = "success"
		return res, nil
	}

	lines, err := o.dispense(ctx, codes)
	if err != nil {
		if KindOf(err) == KindNoResponse {
			res.Status = "error"
			return res, err
		}
		return nil, err
	}
	res.Status = "success"
	res.DeviceResponse = nonNil(lines)
	return res, nil
}

func (o *Orchestrator) validate(code string) error {
	if !o.pattern.MatchString(code) {
		return newError(KindInvalidFormat, "patient code has an invalid format", nil)
	}
	return nil
}

func (o *Orchestrator) resolve(ctx context.Context, code string) (*prescription.Prescription, error) {
	p, err := o.resolver.Resolve(ctx, code)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, prescription.ErrNotFound):
		return nil, newError(KindNotFound, "no prescription found for this patient code", err)
	case errors.Is(err, prescription.ErrMalformedRecord):
		return nil, newError(KindMalformedRecord, "stored prescription is malformed", err)
	default:
		return nil, newError(KindInternal, "prescription lookup failed", err)
	}
}

func (o *Orchestrator) dispense(ctx context.Context, codes []string) ([]string, error) {
	o.metrics.SetDevicePending(o.session.Status().Pending + 1)
	defer func() { o.metrics.SetDevicePending(o.session.Status().Pending) }()

	lines, err := o.session.Dispense(ctx, codes)
	switch {
	case err == nil:
		o.metrics.ObserveDeviceExchange("ok")
		return lines, nil
	case errors.Is(err, device.ErrWriteFailed):
		o.metrics.ObserveDeviceExchange("write_failed")
		return nil, newError(KindWriteFailed, "could not send command to the dispenser", err)
	case errors.Is(err, device.ErrNoResponse):
		o.metrics.ObserveDeviceExchange("no_response")
		return nil, newError(KindNoResponse, "command sent but the dispenser did not confirm", err)
	case errors.Is(err, device.ErrSessionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		o.metrics.ObserveDeviceExchange("unavailable")
		return nil, newError(KindUnavailable, "dispenser is not available", err)
	default:
		o.metrics.ObserveDeviceExchange("error")
		return nil, newError(KindInternal, "dispense failed", err)
	}
}

func (o *Orchestrator) finish(mode Mode, code string, res *Result, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).Code()
	}
	o.metrics.ObserveOperation(string(mode), outcome, elapsed)

	if mode != ModeDispense {
		if err != nil {
			o.logger.Debug().Err(err).Str("patient_code", code).Msg("lookup failed")
		}
		return
	}
	ev := o.logger.Info()
	if err != nil {
		ev = o.logger.Warn().Err(err)
	}
	var codes []string
	if res != nil {
		codes = res.Tablets
	}
	ev.Str("type", "dispense_audit").
		Str("patient_code", code).
		Strs("codes", codes).
		Str("outcome", outcome).
		Str("session", string(o.session.Mode())).
		Dur("latency", elapsed).
		Msg("dispense finished")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
