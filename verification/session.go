package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/kv"
)

// Kind names a verification flow.
type Kind string

const (
	KindRegistration  Kind = "registration"
	KindPhoneLogin    Kind = "phone_login"
	KindPasswordReset Kind = "password_reset"
)

// Kinds lists every flow kind.
var Kinds = []Kind{KindRegistration, KindPhoneLogin, KindPasswordReset}

// Session is the persisted progress marker of a flow. Codes are never persisted.
type Session struct {
	ID                string `json:"session_id,omitempty"`
	Kind              Kind   `json:"flow_kind"`
	Step              int    `json:"current_step"`
	Contact           string `json:"contact,omitempty"`
	ContactType       string `json:"contact_type,omitempty"`
	ResendAvailableAt int64  `json:"resend_available_at,omitempty"`
	CodeExpiresAt     int64  `json:"code_expires_at,omitempty"`
	UpdatedAt         int64  `json:"updated_at,omitempty"`
}

// Persister stores one session blob per flow kind under "<prefix>:flow:<kind>".
type Persister struct {
	store  kv.Store
	prefix string
}

// NewPersister returns a persister writing to store.
func NewPersister(store kv.Store, prefix string) *Persister {
	return &Persister{store: store, prefix: prefix}
}

// Key returns the durable key of kind.
func (p *Persister) Key(kind Kind) string {
	return p.prefix + ":flow:" + string(kind)
}

// Load returns the session of kind, or nil when none is stored. A blob that
// cannot be decoded, or that claims another kind, is discarded.
func (p *Persister) Load(ctx context.Context, kind Kind) (*Session, error) {
	raw, err := p.store.Get(ctx, p.Key(kind))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verification: load %s: %w", kind, err)
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.Kind != kind || s.Step < 1 {
		_ = p.store.Delete(ctx, p.Key(kind))
		return nil, nil
	}
	return &s, nil
}

// Save writes s under its kind. A session id already held by another kind is
// rejected with [ErrFlowMismatch].
func (p *Persister) Save(ctx context.Context, s *Session) error {
	if s.ID != "" {
		for _, other := range Kinds {
			if other == s.Kind {
				continue
			}
			held, err := p.Load(ctx, other)
			if err != nil {
				return err
			}
			if held != nil && held.ID == s.ID {
				return fmt.Errorf("%w: %s is held by %s", ErrFlowMismatch, s.ID, other)
			}
		}
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("verification: encode session: %w", err)
	}
	if err := p.store.Set(ctx, p.Key(s.Kind), string(raw)); err != nil {
		return fmt.Errorf("verification: save %s: %w", s.Kind, err)
	}
	return nil
}

// Clear removes the session of kind.
func (p *Persister) Clear(ctx context.Context, kind Kind) error {
	if err := p.store.Delete(ctx, p.Key(kind)); err != nil {
		return fmt.Errorf("verification: clear %s: %w", kind, err)
	}
	return nil
}
