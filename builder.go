package authflow

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/device"
	"github.com/MrEthical07/authflow/internal/events"
	"github.com/MrEthical07/authflow/internal/stepup"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/tokenstore"
	"github.com/MrEthical07/authflow/verification"
)

// Builder assembles a [Client].
//
// Builder instances are configured during initialization and are single
// use: a second Build returns [ErrBuilderUsed].
type Builder struct {
	config Config

	store      kv.Store
	logger     *zap.Logger
	httpClient *http.Client
	signals    device.SignalSource
	sink       EventSink
	confirmer  Confirmer
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error

	built bool
}

// New returns a builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the configuration. The value is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBaseURL sets Config.API.BaseURL.
func (b *Builder) WithBaseURL(u string) *Builder {
	b.config.API.BaseURL = u
	return b
}

// WithStore sets the durable store for the token, the fingerprint, flow
// sessions and social state. The default is an in-memory store.
func (b *Builder) WithStore(s kv.Store) *Builder {
	b.store = s
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithHTTPClient sets the transport. Its Jar is kept when set.
func (b *Builder) WithHTTPClient(hc *http.Client) *Builder {
	b.httpClient = hc
	return b
}

// WithSignals sets the source of fingerprint signals. The default reads
// host properties.
func (b *Builder) WithSignals(s device.SignalSource) *Builder {
	b.signals = s
	return b
}

// WithEventSink sets where notifications and navigation requests go.
func (b *Builder) WithEventSink(s EventSink) *Builder {
	b.sink = s
	return b
}

// WithConfirmer sets the logout confirmation hook. The default confirms.
func (b *Builder) WithConfirmer(c Confirmer) *Builder {
	b.confirmer = c
	return b
}

// WithClock overrides the clock and the retry sleep. Either may be nil.
func (b *Builder) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Builder {
	b.now = now
	b.sleep = sleep
	return b
}

// Build validates the configuration and wires the client.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}
	b.built = true

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}
	store := b.store
	if store == nil {
		store = kv.NewMemoryStore()
	}
	confirmer := b.confirmer
	if confirmer == nil {
		confirmer = AutoConfirm()
	}

	var jar http.CookieJar
	jar, _ = cookiejar.New(nil)
	if b.httpClient != nil && b.httpClient.Jar != nil {
		jar = b.httpClient.Jar
	}
	base, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, err
	}

	prefix := cfg.Session.KeyPrefix
	c := &Client{
		config:       cfg,
		logger:       logger,
		now:          now,
		store:        store,
		metrics:      NewMetrics(cfg.Metrics),
		confirmer:    confirmer,
		secondFactor: verification.NewCodeInput(cfg.Verification.CodeLength),
	}

	var mirror []tokenstore.Option
	if cfg.Session.CookieName != "" {
		mirror = append(mirror, tokenstore.WithCookieMirror(jar, base, cfg.Session.CookieName))
	}
	c.tokens = tokenstore.New(store, prefix+":token", mirror...)

	c.api, err = api.New(api.Options{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: b.httpClient,
		Jar:        jar,
		Tokens:     c.tokens,
		Logger:     logger.Named("api"),
		Fingerprint: func(ctx context.Context) string {
			return c.devices.HeaderValue(ctx)
		},
		Timeout: cfg.API.Timeout,
		Retry: api.RetryPolicy{
			Attempts:     cfg.Retry.Attempts,
			InitialDelay: cfg.Retry.InitialDelay,
		},
		DefaultCooldown: cfg.Verification.DefaultCooldown,
		CSRFPath:        cfg.API.CSRFPath,
		UserAgent:       cfg.API.UserAgent,
		Now:             now,
		Sleep:           b.sleep,
		OnUnauthorized:  c.onUnauthorized,
		Notify:          c.onNotify,
		OnRetry: func(attempt int, err error) {
			logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}

	c.devices = device.NewManager(device.Options{
		API:             c.api,
		Store:           store,
		Key:             prefix + ":device:fingerprint",
		Signals:         b.signals,
		Logger:          logger.Named("device"),
		Now:             now,
		CodeLength:      cfg.Verification.CodeLength,
		DefaultCooldown: cfg.Verification.DefaultCooldown,
	})

	flowOpts := verification.Options{
		API:             c.api,
		Persister:       verification.NewPersister(store, prefix),
		Now:             now,
		Logger:          logger.Named("verification"),
		CodeLength:      cfg.Verification.CodeLength,
		DefaultCooldown: cfg.Verification.DefaultCooldown,
		MinimumAge:      cfg.Age.MinimumAge,
	}
	c.registration = verification.NewRegistration(flowOpts)
	c.phone = verification.NewPhoneLogin(flowOpts)
	c.reset = verification.NewPasswordReset(flowOpts)

	c.machine = stepup.New(c.onTransition)
	c.social = newSocialProviders(cfg.Social)

	if b.sink != nil {
		c.events = events.NewDispatcher(events.Config{
			Enabled:    cfg.Events.Enabled,
			BufferSize: cfg.Events.BufferSize,
			DropIfFull: cfg.Events.DropIfFull,
		}, b.sink)
	}

	return c, nil
}
