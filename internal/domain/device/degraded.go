package device

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DegradedAck is the single line a degraded session answers with.
const DegradedAck = "OK"

// DegradedSession stands in for the dispenser when no serial connection is
// available. It performs no I/O but still serializes calls, so the rest of
// the pipeline behaves as it would with hardware attached.
type DegradedSession struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	pending atomic.Int32
	closed  atomic.Bool
}

var _ Session = (*DegradedSession)(nil)

func NewDegradedSession(logger zerolog.Logger) *DegradedSession {
	return &DegradedSession{
		logger: logger.With().Str("component", "device").Str("mode", string(ModeDegraded)).Logger(),
	}
}

func (s *DegradedSession) Mode() Mode { return ModeDegraded }

func (s *DegradedSession) Status() Status {
	return Status{Mode: ModeDegraded, Pending: int(s.pending.Load()), Closed: s.closed.Load()}
}

func (s *DegradedSession) Dispense(ctx context.Context, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, ErrEmptyFrame
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.pending.Add(1)
	defer s.pending.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.logger.Info().
		Str("frame", strings.TrimSpace(string(Frame(codes)))).
		Msg("degraded session: frame not sent to hardware")
	return []string{DegradedAck}, nil
}

func (s *DegradedSession) Close() error {
	s.closed.Store(true)
	return nil
}
