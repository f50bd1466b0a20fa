package verification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authflow/api"
	"go.uber.org/zap"
)

// Poster is the part of the API client the flows use.
type Poster interface {
	Post(ctx context.Context, path string, in, out any, opts ...api.RequestOption) error
}

// Options configures a flow.
type Options struct {
	API             Poster
	Persister       *Persister
	Now             func() time.Time
	Logger          *zap.Logger
	CodeLength      int
	DefaultCooldown time.Duration
	MinimumAge      int
}

// Generation is a monotonically increasing attempt counter.
type Generation struct {
	n atomic.Uint64
}

// Current returns the current generation.
func (g *Generation) Current() uint64 { return g.n.Load() }

// Next invalidates every outstanding generation and returns the new one.
func (g *Generation) Next() uint64 { return g.n.Add(1) }

// Valid reports whether gen is still current.
func (g *Generation) Valid(gen uint64) bool { return g.n.Load() == gen }

type resendResponse struct {
	SessionID         string `json:"session_id,omitempty"`
	ResendAvailableAt int64  `json:"resend_available_at,omitempty"`
	CodeExpiresAt     int64  `json:"code_expires_at,omitempty"`
	Message           string `json:"message,omitempty"`
}

// flow holds what every verification flow shares.
type flow struct {
	kind     Kind
	api      Poster
	persist  *Persister
	now      func() time.Time
	logger   *zap.Logger
	cooldown time.Duration
	code     *CodeInput
	gen      Generation

	mu      sync.Mutex
	session *Session
}

func newFlow(kind Kind, opts Options) *flow {
	f := &flow{
		kind:     kind,
		api:      opts.API,
		persist:  opts.Persister,
		now:      opts.Now,
		logger:   opts.Logger,
		cooldown: opts.DefaultCooldown,
		code:     NewCodeInput(opts.CodeLength),
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.cooldown <= 0 {
		f.cooldown = 60 * time.Second
	}
	return f
}

// Session returns a copy of the current session.
func (f *flow) Session() (Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return Session{Kind: f.kind, Step: 1}, false
	}
	return *f.session, true
}

// Step returns the current step, 1 when no session is active.
func (f *flow) Step() int {
	s, _ := f.Session()
	return s.Step
}

// Countdown returns the resend countdown of the current session.
func (f *flow) Countdown() Countdown {
	s, _ := f.Session()
	return NewCountdown(s.ResendAvailableAt, f.now)
}

// Code returns the code input guard of the flow.
func (f *flow) Code() *CodeInput {
	return f.code
}

// Resume rehydrates the persisted session. ok is false when none was stored.
func (f *flow) Resume(ctx context.Context) (Session, bool, error) {
	s, err := f.persist.Load(ctx, f.kind)
	if err != nil {
		return Session{}, false, err
	}

	f.gen.Next()
	f.code.Reset()
	f.mu.Lock()
	f.session = s
	f.mu.Unlock()

	if s == nil {
		return Session{Kind: f.kind, Step: 1}, false, nil
	}
	f.logger.Debug("verification flow resumed",
		zap.String("flow", string(f.kind)),
		zap.Int("step", s.Step),
	)
	return *s, true, nil
}

// Abandon discards the flow locally and invalidates in-flight calls.
func (f *flow) Abandon(ctx context.Context) error {
	f.gen.Next()
	f.code.Reset()
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
	return f.persist.Clear(ctx, f.kind)
}

// snapshot returns the session if it is at step, together with the
// generation the caller must present when committing.
func (f *flow) snapshot(step int) (Session, uint64, error) {
	gen := f.gen.Current()
	f.mu.Lock()
	defer f.mu.Unlock()
	if step == 1 {
		if f.session != nil {
			return *f.session, gen, ErrWrongStep
		}
		return Session{Kind: f.kind, Step: 1}, gen, nil
	}
	if f.session == nil || f.session.Step != step {
		return Session{}, gen, ErrWrongStep
	}
	return *f.session, gen, nil
}

// commit replaces the session with s and persists it, unless gen is stale.
// The in-memory session only changes when the write succeeds.
func (f *flow) commit(ctx context.Context, gen uint64, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.gen.Valid(gen) {
		return ErrStale
	}
	s.Kind = f.kind
	s.UpdatedAt = f.now().Unix()
	if err := f.persist.Save(ctx, &s); err != nil {
		return err
	}
	f.session = &s
	return nil
}

// finish discards the session after the final step, unless gen is stale.
func (f *flow) finish(ctx context.Context, gen uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.gen.Valid(gen) {
		return ErrStale
	}
	f.session = nil
	f.code.Reset()
	return f.persist.Clear(ctx, f.kind)
}

// back moves to step, clearing codes and the timers of later steps. Moving
// back to step 1 discards the session.
func (f *flow) back(ctx context.Context, step int) error {
	if step <= 1 {
		return f.Abandon(ctx)
	}
	f.gen.Next()
	f.code.Reset()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil || f.session.Step <= step {
		return nil
	}
	s := *f.session
	s.Step = step
	s.UpdatedAt = f.now().Unix()
	if err := f.persist.Save(ctx, &s); err != nil {
		return err
	}
	f.session = &s
	return nil
}

// resend enforces the local cooldown, calls path and records the new window.
// A 429 still moves the window to the server's hint.
func (f *flow) resend(ctx context.Context, step int, path string, body any) error {
	s, gen, err := f.snapshot(step)
	if err != nil {
		return err
	}
	cd := NewCountdown(s.ResendAvailableAt, f.now)
	if !cd.Ready() {
		return &CooldownError{AvailableAt: s.ResendAvailableAt, Remaining: cd.Remaining()}
	}

	var out resendResponse
	if err := f.api.Post(ctx, path, body, &out); err != nil {
		var rl *api.RateLimitedError
		if errors.As(err, &rl) {
			s.ResendAvailableAt = rl.AvailableAt
			if cerr := f.commit(ctx, gen, s); cerr != nil && !errors.Is(cerr, ErrStale) {
				f.logger.Warn("persist rate limit window failed", zap.Error(cerr))
			}
		}
		return err
	}

	s.ResendAvailableAt = f.availableAt(out.ResendAvailableAt)
	if out.CodeExpiresAt > 0 {
		s.CodeExpiresAt = out.CodeExpiresAt
	}
	if out.SessionID != "" {
		s.ID = out.SessionID
	}
	f.code.Reset()
	return f.commit(ctx, gen, s)
}

// availableAt falls back to the default cooldown when the server sent no time.
func (f *flow) availableAt(serverValue int64) int64 {
	if serverValue > 0 {
		return serverValue
	}
	return f.now().Add(f.cooldown).Unix()
}

// beginExplicit validates code and marks it pending.
func (f *flow) beginExplicit(code string) error {
	if !ValidCode(code, f.code.Length()) {
		return ErrInvalidCode
	}
	if !f.code.Begin(code) {
		return ErrSubmitPending
	}
	return nil
}
