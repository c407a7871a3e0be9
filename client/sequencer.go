package client

import (
	"log/slog"
	"sync"
	"time"
)

// Sequencer stages, in order.
const (
	StageStarted = iota
	StageFirstOutput
	StageFirstPaint
	StageSettleGate
	StageSettled
)

const (
	defaultQuietWindow = 300 * time.Millisecond
	// settleFallback settles a gated session that never produces further
	// output.
	settleFallback = 1500 * time.Millisecond
	// settleHardCap settles no matter what, so deferred work never starves.
	settleHardCap = 5 * time.Second
)

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithQuietWindow overrides the quiet window after the settle gate.
func WithQuietWindow(d time.Duration) SequencerOption {
	return func(s *Sequencer) {
		if d > 0 {
			s.quiet = d
		}
	}
}

// WithSequencerLogger sets a structured logger.
func WithSequencerLogger(l *slog.Logger) SequencerOption {
	return func(s *Sequencer) { s.logger = l }
}

// Sequencer tracks startup readiness of the active session: first PTY
// output, first visible paint, a renderer-chosen settle gate, and finally
// settled once output goes quiet. Deferred client work waits on Settled.
type Sequencer struct {
	logger *slog.Logger
	quiet  time.Duration

	mu       sync.Mutex
	stage    int
	quietT   *time.Timer
	fallback *time.Timer
	hardCap  *time.Timer

	settleOnce sync.Once
	settledCh  chan struct{}
}

// NewSequencer starts tracking a freshly spawned session. The hard cap
// timer runs from this moment.
func NewSequencer(opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		logger:    slog.New(discardHandler{}),
		quiet:     defaultQuietWindow,
		settledCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.hardCap = time.AfterFunc(settleHardCap, func() {
		s.settle("hard-cap")
	})
	return s
}

// Stage returns the current stage.
func (s *Sequencer) Stage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Settled is closed when the session is ready for deferred work.
func (s *Sequencer) Settled() <-chan struct{} {
	return s.settledCh
}

// ObserveOutput records one PTY output chunk. Returns true when this call
// entered the first-output stage. After the settle gate, each chunk
// restarts the quiet window.
func (s *Sequencer) ObserveOutput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entered := false
	if s.stage == StageStarted {
		s.stage = StageFirstOutput
		entered = true
	}
	if s.stage == StageSettleGate {
		if s.fallback != nil {
			s.fallback.Stop()
			s.fallback = nil
		}
		if s.quietT != nil {
			s.quietT.Stop()
		}
		s.quietT = time.AfterFunc(s.quiet, func() {
			s.settle("quiet")
		})
	}
	return entered
}

// ObservePaint records one render. The first render with visible glyphs
// after first-output enters the first-visible-paint stage.
func (s *Sequencer) ObservePaint(glyphs int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageFirstOutput || glyphs <= 0 {
		return false
	}
	s.stage = StageFirstPaint
	return true
}

// ObserveSettleGate records that the renderer's gate condition was met
// (header visible for codex, glyph threshold otherwise). Starts the quiet
// window and the non-empty fallback timer.
func (s *Sequencer) ObserveSettleGate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageFirstPaint {
		return false
	}
	s.stage = StageSettleGate
	s.quietT = time.AfterFunc(s.quiet, func() {
		s.settle("quiet")
	})
	s.fallback = time.AfterFunc(settleFallback, func() {
		s.settle("fallback")
	})
	return true
}

// Stop cancels all timers without settling. Used when the session exits
// before startup completes.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []*time.Timer{s.quietT, s.fallback, s.hardCap} {
		if t != nil {
			t.Stop()
		}
	}
}

func (s *Sequencer) settle(reason string) {
	s.settleOnce.Do(func() {
		s.mu.Lock()
		s.stage = StageSettled
		for _, t := range []*time.Timer{s.quietT, s.fallback, s.hardCap} {
			if t != nil {
				t.Stop()
			}
		}
		s.mu.Unlock()
		s.logger.Debug("sequencer: settled", "reason", reason)
		close(s.settledCh)
	})
}
