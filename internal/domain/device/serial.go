package device

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is the duplex byte channel to the dispenser.
type Transport interface {
	Write(p []byte) (int, error)
	// Buffered returns the number of received bytes waiting to be read.
	Buffered() int
	// ReadLine returns one line, or a partial line after a short timeout.
	ReadLine() ([]byte, error)
	// Discard drops pending input and returns what had been received.
	Discard() ([]byte, error)
	Close() error
}

type job struct {
	ctx    context.Context
	id     string
	codes  []string
	result chan jobResult
}

type jobResult struct {
	lines []string
	err   error
}

// SerialSession drives a physical dispenser through a Transport. A single
// worker goroutine owns the transport and serves jobs in FIFO order.
type SerialSession struct {
	transport Transport
	address   string
	timing    Timing
	logger    zerolog.Logger

	jobs      chan *job
	busy      atomic.Int32
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*SerialSession)(nil)

// NewSerialSession starts the worker. queueDepth is the number of jobs that
// may wait without blocking their callers; further callers block in FIFO
// order until there is room.
func NewSerialSession(t Transport, address string, timing Timing, queueDepth int, logger zerolog.Logger) *SerialSession {
	if queueDepth < 0 {
		queueDepth = 0
	}
	s := &SerialSession{
		transport: t,
		address:   address,
		timing:    timing,
		logger:    logger.With().Str("component", "device").Str("mode", string(ModeSerial)).Logger(),
		jobs:      make(chan *job, queueDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SerialSession) Mode() Mode { return ModeSerial }

func (s *SerialSession) Status() Status {
	closed := false
	select {
	case <-s.quit:
		closed = true
	default:
	}
	return Status{
		Mode:    ModeSerial,
		Address: s.address,
		Pending: len(s.jobs) + int(s.busy.Load()),
		Closed:  closed,
	}
}

func (s *SerialSession) Dispense(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, ErrEmptyFrame
	}
	j := &job{
		ctx:    ctx,
		id:     uuid.NewString(),
		codes:  append([]string(nil), codes...),
		result: make(chan jobResult, 1),
	}

	select {
	case <-s.quit:
		return nil, ErrSessionClosed
	default:
	}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrSessionClosed
	}

	// Once queued the job is waited on regardless of ctx: the worker
	// checks ctx itself before writing, and after writing the exchange
	// is bounded by the wait timeout and settle delay.
	select {
	case r := <-j.result:
		return r.lines, r.err
	case <-s.done:
		select {
		case r := <-j.result:
			return r.lines, r.err
		default:
			return nil, ErrSessionClosed
		}
	}
}

func (s *SerialSession) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.rejectQueued()
			return
		default:
		}
		select {
		case <-s.quit:
			s.rejectQueued()
			return
		case j := <-s.jobs:
			s.busy.Store(1)
			r := s.safeServe(j)
			s.busy.Store(0)
			j.result <- r
		}
	}
}

func (s *SerialSession) rejectQueued() {
	for {
		select {
		case j := <-s.jobs:
			j.result <- jobResult{err: ErrSessionClosed}
		default:
			return
		}
	}
}

// safeServe keeps the worker alive when an exchange panics. The job fails
// with ErrExchangePanic and is not retried.
func (s *SerialSession) safeServe(j *job) (r jobResult) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().
				Str("job_id", j.id).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("panic during device exchange")
			r = jobResult{err: fmt.Errorf("%w: %v", ErrExchangePanic, rec)}
		}
	}()
	lines, err := s.serve(j)
	return jobResult{lines: lines, err: err}
}

func (s *SerialSession) serve(j *job) ([]string, error) {
	log := s.logger.With().Str("job_id", j.id).Logger()
	if err := j.ctx.Err(); err != nil {
		log.Info().Err(err).Msg("dispense cancelled before write")
		return nil, err
	}

	// Output still pending from an earlier exchange, or emitted unprompted,
	// must not count as the reply to this frame.
	stale, err := s.transport.Discard()
	if err != nil {
		log.Warn().Err(err).Msg("discard pending input")
	}
	if len(stale) > 0 {
		log.Warn().
			Int("bytes", len(stale)).
			Str("discarded", strings.TrimSpace(strings.ToValidUTF8(string(stale), "\uFFFD"))).
			Msg("discarded stale device output before write")
	}

	frame := Frame(j.codes)
	start := time.Now()
	n, err := s.transport.Write(frame)
	if err != nil {
		log.Error().Err(err).Msg("frame write failed")
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(frame) {
		log.Error().Int("written", n).Int("frame_len", len(frame)).Msg("short frame write")
		return nil, fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(frame))
	}
	log.Debug().Str("frame", strings.TrimSpace(string(frame))).Msg("frame written")

	if !s.waitForData() {
		log.Warn().Dur("waited", time.Since(start)).Msg("no response from device")
		return nil, ErrNoResponse
	}
	time.Sleep(s.timing.SettleDelay)

	lines, err := s.drain()
	if err != nil {
		log.Warn().Err(err).Int("lines", len(lines)).Msg("drain interrupted")
		if len(lines) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
		}
	}
	log.Debug().Int("lines", len(lines)).Dur("elapsed", time.Since(start)).Msg("response drained")
	return lines, nil
}

// waitForData polls Buffered until data arrives or the wait timeout passes.
func (s *SerialSession) waitForData() bool {
	if s.transport.Buffered() > 0 {
		return true
	}
	deadline := time.NewTimer(s.timing.WaitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.timing.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-deadline.C:
			return s.transport.Buffered() > 0
		case <-tick.C:
			if s.transport.Buffered() > 0 {
				return true
			}
		}
	}
}

// drain reads lines while data remains buffered. Blank lines are dropped.
func (s *SerialSession) drain() ([]string, error) {
	var lines []string
	for s.transport.Buffered() > 0 {
		raw, err := s.transport.ReadLine()
		if err != nil {
			return lines, err
		}
		line := strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD"))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Close stops accepting jobs, waits for the in-flight exchange to finish,
// fails queued jobs with ErrSessionClosed and closes the transport.
func (s *SerialSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}
