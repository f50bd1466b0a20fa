package authflow

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/endpoints"
)

// Config is the complete client configuration. Obtain defaults from
// [DefaultConfig] and adjust fields before passing it to [Builder.WithConfig].
type Config struct {
	API          APIConfig
	Session      SessionConfig
	Verification VerificationConfig
	Retry        RetryConfig
	Age          AgeConfig
	Social       SocialConfig
	Events       EventsConfig
	Metrics      MetricsConfig
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig addresses the remote auth service.
type APIConfig struct {
	BaseURL   string
	Timeout   time.Duration
	CSRFPath  string
	UserAgent string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls token persistence and the background loops.
type SessionConfig struct {
	// KeyPrefix namespaces every durable key ("<prefix>:token", ...).
	KeyPrefix       string
	RefreshInterval time.Duration
	PollInterval    time.Duration
	// WatchStore subscribes to store changes when the store supports it.
	WatchStore bool
	// CookieName names the cookie the token is mirrored into. Empty disables
	// the mirror.
	CookieName string
}

/*
====================================
VERIFICATION CONFIG
====================================
*/

// VerificationConfig holds the code-entry and resend policy.
type VerificationConfig struct {
	CodeLength      int
	DefaultCooldown time.Duration
}

// RetryConfig bounds retries of non-auth mutations on transport failure.
type RetryConfig struct {
	Attempts     int
	InitialDelay time.Duration
}

// AgeConfig holds the client-side minimum age fast check.
type AgeConfig struct {
	MinimumAge int
}

/*
====================================
SOCIAL CONFIG
====================================
*/

// SocialConfig lists the OAuth providers offered for social login.
type SocialConfig struct {
	RedirectURL string
	StateTTL    time.Duration
	Providers   map[string]SocialProvider
}

// SocialProvider is one OAuth authorization server.
type SocialProvider struct {
	ClientID string
	AuthURL  string
	TokenURL string
	Scopes   []string
}

/*
====================================
EVENTS / METRICS CONFIG
====================================
*/

// EventsConfig controls the asynchronous event dispatcher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the recommended defaults. BaseURL is left empty and
// must be set.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Timeout:   15 * time.Second,
			CSRFPath:  "/csrf-cookie",
			UserAgent: "authflow/1",
		},
		Session: SessionConfig{
			KeyPrefix:       "authflow",
			RefreshInterval: 5 * time.Minute,
			PollInterval:    30 * time.Second,
			WatchStore:      true,
			CookieName:      "auth_token",
		},
		Verification: VerificationConfig{
			CodeLength:      6,
			DefaultCooldown: 60 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: 500 * time.Millisecond,
		},
		Age: AgeConfig{
			MinimumAge: 13,
		},
		Social: SocialConfig{
			StateTTL: 10 * time.Minute,
			Providers: map[string]SocialProvider{
				"google": {
					AuthURL:  endpoints.Google.AuthURL,
					TokenURL: endpoints.Google.TokenURL,
					Scopes:   []string{"openid", "profile", "email"},
				},
				"github": {
					AuthURL:  endpoints.GitHub.AuthURL,
					TokenURL: endpoints.GitHub.TokenURL,
					Scopes:   []string{"read:user", "user:email"},
				},
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 64,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Social.Providers != nil {
		out.Social.Providers = make(map[string]SocialProvider, len(cfg.Social.Providers))
		for name, p := range cfg.Social.Providers {
			p.Scopes = append([]string(nil), p.Scopes...)
			out.Social.Providers[name] = p
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// API
	u, err := url.Parse(strings.TrimSpace(c.API.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("API BaseURL must be an absolute http(s) URL")
	}
	if c.API.Timeout < 0 {
		return errors.New("API Timeout must be >= 0")
	}
	if c.API.CSRFPath != "" && !strings.HasPrefix(c.API.CSRFPath, "/") {
		return errors.New("API CSRFPath must start with /")
	}

	// Session
	if strings.TrimSpace(c.Session.KeyPrefix) == "" {
		return errors.New("Session KeyPrefix must not be empty")
	}
	if strings.Contains(c.Session.KeyPrefix, " ") {
		return errors.New("Session KeyPrefix must not contain spaces")
	}
	if c.Session.RefreshInterval <= 0 {
		return errors.New("Session RefreshInterval must be > 0")
	}
	if c.Session.PollInterval <= 0 {
		return errors.New("Session PollInterval must be > 0")
	}

	// Verification
	if c.Verification.CodeLength < 4 || c.Verification.CodeLength > 10 {
		return errors.New("Verification CodeLength must be between 4 and 10")
	}
	if c.Verification.DefaultCooldown <= 0 {
		return errors.New("Verification DefaultCooldown must be > 0")
	}

	// Retry
	if c.Retry.Attempts < 1 {
		return errors.New("Retry Attempts must be >= 1")
	}
	if c.Retry.Attempts > 1 && c.Retry.InitialDelay <= 0 {
		return errors.New("Retry InitialDelay must be > 0 when retrying")
	}

	// Age
	if c.Age.MinimumAge < 0 || c.Age.MinimumAge > 120 {
		return errors.New("Age MinimumAge must be between 0 and 120")
	}

	// Social
	for name, p := range c.Social.Providers {
		if strings.TrimSpace(name) == "" || name != strings.ToLower(name) {
			return fmt.Errorf("Social provider name %q must be lowercase and non-empty", name)
		}
		if _, err := url.ParseRequestURI(p.AuthURL); err != nil {
			return fmt.Errorf("Social provider %q AuthURL is invalid", name)
		}
	}
	if len(c.Social.Providers) > 0 && c.Social.StateTTL <= 0 {
		return errors.New("Social StateTTL must be > 0")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0")
	}

	return nil
}

// ConfigFromEnv returns [DefaultConfig] overridden by AUTHFLOW_* variables.
// The dotenv files are loaded first without overriding the real
// environment; with no files a missing ".env" is ignored.
func ConfigFromEnv(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("authflow: load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, fmt.Errorf("authflow: load env files: %w", err)
	}

	cfg := DefaultConfig()
	r := envReader{}
	r.str("AUTHFLOW_BASE_URL", &cfg.API.BaseURL)
	r.duration("AUTHFLOW_TIMEOUT", &cfg.API.Timeout)
	r.str("AUTHFLOW_CSRF_PATH", &cfg.API.CSRFPath)
	r.str("AUTHFLOW_USER_AGENT", &cfg.API.UserAgent)
	r.str("AUTHFLOW_KEY_PREFIX", &cfg.Session.KeyPrefix)
	r.duration("AUTHFLOW_REFRESH_INTERVAL", &cfg.Session.RefreshInterval)
	r.duration("AUTHFLOW_POLL_INTERVAL", &cfg.Session.PollInterval)
	r.boolean("AUTHFLOW_WATCH_STORE", &cfg.Session.WatchStore)
	r.str("AUTHFLOW_COOKIE_NAME", &cfg.Session.CookieName)
	r.integer("AUTHFLOW_CODE_LENGTH", &cfg.Verification.CodeLength)
	r.duration("AUTHFLOW_RESEND_COOLDOWN", &cfg.Verification.DefaultCooldown)
	r.integer("AUTHFLOW_RETRY_ATTEMPTS", &cfg.Retry.Attempts)
	r.duration("AUTHFLOW_RETRY_DELAY", &cfg.Retry.InitialDelay)
	r.integer("AUTHFLOW_MINIMUM_AGE", &cfg.Age.MinimumAge)
	r.str("AUTHFLOW_SOCIAL_REDIRECT_URL", &cfg.Social.RedirectURL)
	r.boolean("AUTHFLOW_EVENTS_ENABLED", &cfg.Events.Enabled)
	r.boolean("AUTHFLOW_METRICS_ENABLED", &cfg.Metrics.Enabled)
	for name, p := range cfg.Social.Providers {
		r.str("AUTHFLOW_"+strings.ToUpper(name)+"_CLIENT_ID", &p.ClientID)
		cfg.Social.Providers[name] = p
	}
	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, nil
}

// envReader assigns set variables and keeps the first parse error.
type envReader struct {
	err error
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := os.LookupEnv(name)
	if !ok || r.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("authflow: %s: %w", name, err)
		return
	}
	*dst = d
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || r.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("authflow: %s: %w", name, err)
		return
	}
	*dst = n
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("authflow: %s: %w", name, err)
		return
	}
	*dst = b
}
