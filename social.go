package authflow

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/oauth2"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/kv"
)

type socialProvider struct {
	name   string
	oauth2 *oauth2.Config
}

func newSocialProviders(cfg SocialConfig) map[string]*socialProvider {
	out := make(map[string]*socialProvider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out[name] = &socialProvider{
			name: name,
			oauth2: &oauth2.Config{
				ClientID:    p.ClientID,
				RedirectURL: cfg.RedirectURL,
				Scopes:      p.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:  p.AuthURL,
					TokenURL: p.TokenURL,
				},
			},
		}
	}
	return out
}

// socialState is persisted between the redirect and the callback.
type socialState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	IssuedAt int64  `json:"issued_at"`
}

// SocialProviders lists the configured provider names in order.
func (c *Client) SocialProviders() []string {
	names := make([]string, 0, len(c.social))
	for name := range c.social {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SocialAuthURL returns the authorization URL to send the user to. The
// state and PKCE verifier are stored until the callback.
func (c *Client) SocialAuthURL(ctx context.Context, provider string) (string, error) {
	p, err := c.socialProvider(provider)
	if err != nil {
		return "", err
	}
	st := socialState{
		State:    ulid.Make().String(),
		Verifier: oauth2.GenerateVerifier(),
		IssuedAt: c.now().Unix(),
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, c.socialKey(p.name), string(raw)); err != nil {
		return "", err
	}
	return p.oauth2.AuthCodeURL(st.State, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(st.Verifier)), nil
}

// CompleteSocialLogin hands the provider callback to the auth service and
// applies the outcome. state must be the one issued by SocialAuthURL and is
// consumed either way.
func (c *Client) CompleteSocialLogin(ctx context.Context, provider, code, state string) (State, error) {
	p, err := c.socialProvider(provider)
	if err != nil {
		return c.State(), err
	}
	if err := c.canBegin(); err != nil {
		return c.State(), err
	}
	saved, err := c.takeSocialState(ctx, p.name)
	if err != nil {
		return c.State(), err
	}
	if subtle.ConstantTimeCompare([]byte(saved.State), []byte(state)) != 1 {
		return c.State(), ErrSocialStateMismatch
	}
	if c.now().Sub(time.Unix(saved.IssuedAt, 0)) > c.config.Social.StateTTL {
		return c.State(), ErrSocialStateMismatch
	}

	q := url.Values{
		"code":          {strings.TrimSpace(code)},
		"state":         {state},
		"code_verifier": {saved.Verifier},
	}
	var resp api.AuthResponse
	if err := c.api.Get(ctx, socialCallbackPath(p.name), &resp, api.WithQuery(q)); err != nil {
		c.metrics.Inc(MetricLoginFailure)
		return c.State(), c.track(err)
	}
	c.metrics.Inc(MetricSocialLogin)

	gen, err := c.machine.Begin()
	if err != nil {
		return c.State(), err
	}
	c.setAttempt(attempt{origin: originSocial, userID: resp.UserID, provider: p.name, query: q})
	return c.applyResponse(ctx, gen, &resp)
}

// socialSecondFactor repeats the callback with the second factor.
func (c *Client) socialSecondFactor(ctx context.Context, a attempt, field, value string) (*api.AuthResponse, error) {
	q := url.Values{}
	for k, v := range a.query {
		q[k] = v
	}
	q.Set(field, value)
	var resp api.AuthResponse
	if err := c.api.Get(ctx, socialCallbackPath(a.provider), &resp, api.WithQuery(q)); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) socialProvider(name string) (*socialProvider, error) {
	p, ok := c.social[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if p.oauth2.ClientID == "" {
		return nil, ErrSocialNotConfigured
	}
	return p, nil
}

func (c *Client) socialKey(provider string) string {
	return c.config.Session.KeyPrefix + ":social:" + provider
}

func (c *Client) takeSocialState(ctx context.Context, provider string) (socialState, error) {
	key := c.socialKey(provider)
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return socialState{}, ErrSocialStateMismatch
	}
	if err != nil {
		return socialState{}, err
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return socialState{}, err
	}
	var st socialState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return socialState{}, ErrSocialStateMismatch
	}
	return st, nil
}

func socialCallbackPath(provider string) string {
	return "/auth/social/" + url.PathEscape(provider) + "/callback"
}
