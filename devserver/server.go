package devserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/device"
	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/rate"
	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/password"
)

// Limiter scopes.
const (
	scopeLogin     = "login"
	scopeCode      = "code"
	scopeTwoFactor = "2fa"
	scopeRegister  = "register"
	scopePhone     = "phone"
	scopeReset     = "reset"
	scopeDevice    = "device"
	scopeEmail     = "email"
)

// Config configures a [Server].
type Config struct {
	// Redis backs resend windows and failed-attempt counters. Required.
	Redis  redis.UniversalClient
	Logger *zap.Logger
	Now    func() time.Time

	// SigningKey is the HS256 secret. A random key is generated when empty.
	SigningKey []byte
	Issuer     string
	TokenTTL   time.Duration

	CodeLength          int
	CodeTTL             time.Duration
	ResendCooldown      time.Duration
	MaxFailedAttempts   int
	FailedAttemptWindow time.Duration
	MinimumAge          int

	// TrustFirstDevice skips the device challenge for an account's first
	// ever device.
	TrustFirstDevice bool
	DisableCSRF      bool

	SocialProviders  []string
	TOTP             TOTPConfig
	BackupCodeCount  int
	BackupCodeLength int
	Password         password.Config
}

// DefaultConfig returns settings suitable for tests and local use.
func DefaultConfig() Config {
	return Config{
		Issuer:              "authflow-devserver",
		TokenTTL:            24 * time.Hour,
		CodeLength:          6,
		CodeTTL:             10 * time.Minute,
		ResendCooldown:      60 * time.Second,
		MaxFailedAttempts:   5,
		FailedAttemptWindow: 15 * time.Minute,
		MinimumAge:          13,
		TrustFirstDevice:    true,
		SocialProviders:     []string{"google", "github"},
		TOTP:                TOTPConfig{Issuer: "authflow", Period: 30, Digits: 6, Skew: 1},
		BackupCodeCount:     8,
		BackupCodeLength:    10,
		Password:            password.DefaultConfig(),
	}
}

// Server is the reference HTTP server.
type Server struct {
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	store   *store
	limiter *rate.Limiter
	tokens  *jwt.Manager
	hasher  *password.Hasher
	totp    *totpManager
	outbox  *Outbox
	engine  *gin.Engine
}

// New builds a [Server] from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Redis == nil {
		return nil, errors.New("devserver: redis client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if len(cfg.SigningKey) == 0 {
		key, err := internal.NewToken(32)
		if err != nil {
			return nil, err
		}
		cfg.SigningKey = []byte(key)
	}

	hasher, err := password.New(cfg.Password)
	if err != nil {
		return nil, err
	}
	tokens, err := jwt.NewManager(jwt.Config{
		TTL:           cfg.TokenTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    cfg.SigningKey,
		Issuer:        cfg.Issuer,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		store:  newStore(),
		limiter: rate.New(cfg.Redis, rate.Config{
			ResendCooldown:      cfg.ResendCooldown,
			MaxFailedAttempts:   cfg.MaxFailedAttempts,
			FailedAttemptWindow: cfg.FailedAttemptWindow,
		}, cfg.Now),
		tokens: tokens,
		hasher: hasher,
		totp:   newTOTPManager(cfg.TOTP),
		outbox: &Outbox{},
	}
	s.outbox.notify = func(m Message) {
		s.logger.Info("code issued",
			zap.String("to", m.To),
			zap.String("purpose", m.Purpose),
			zap.String("code", m.Code),
		)
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.engine }

// Outbox returns the record of issued one-time codes.
func (s *Server) Outbox() *Outbox { return s.outbox }

// TOTPConfig returns the server's TOTP parameters.
func (s *Server) TOTPConfig() TOTPConfig { return s.totp.config }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger), requestLogger(s.logger), s.csrfGuard())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/csrf-cookie", s.csrfCookie)

	public := r.Group("/auth")
	{
		public.POST("/login", s.login)
		public.POST("/register/step1", s.registerStep1)
		public.POST("/register/step2", s.registerStep2)
		public.POST("/register/step3", s.registerStep3)
		public.POST("/register/resend-code", s.registerResend)
		public.POST("/phone/login/send-code", s.phoneSendCode)
		public.POST("/phone/login/verify-code", s.phoneVerifyCode)
		public.POST("/phone/login/resend-code", s.phoneResendCode)
		public.POST("/verify-device", s.verifyDevice)
		public.POST("/resend-device-code", s.resendDeviceCode)
		public.POST("/password/forgot", s.passwordForgot)
		public.POST("/password/resend", s.passwordForgot)
		public.POST("/password/verify-code", s.passwordVerifyCode)
		public.POST("/password/reset", s.passwordReset)
		public.GET("/social/:provider/callback", s.socialCallback)
	}

	account := r.Group("/auth", s.authenticate())
	{
		account.GET("/me", s.me)
		account.POST("/logout", s.logout)
		account.POST("/logout-all", s.logoutAll)
		account.POST("/password/change", s.passwordChange)
		account.POST("/email/verify", s.emailVerify)
		account.POST("/email/resend", s.emailResend)
		account.GET("/email/status", s.emailStatus)
		account.POST("/2fa/enable", s.twoFactorEnable)
		account.POST("/2fa/verify", s.twoFactorVerify)
		account.POST("/2fa/disable", s.twoFactorDisable)
		account.POST("/social/complete-age-verification", s.completeAgeVerification)
	}

	devices := r.Group("/devices", s.authenticate())
	{
		devices.GET("/list", s.listDevices)
		devices.GET("/security-check", s.securityCheck)
		devices.POST("/revoke-all", s.revokeAllDevices)
		devices.POST("/advanced/register", s.registerDevice)
		devices.POST("/:id/trust", s.trustDevice)
		devices.DELETE("/:id/revoke", s.revokeDevice)
	}
	return r
}

// NewUser seeds an account.
type NewUser struct {
	Name        string
	Username    string
	Email       string
	Phone       string
	Password    string
	DateOfBirth string
	Provider    string
	// EmailUnverified leaves the email address unverified.
	EmailUnverified bool
}

// CreateUser seeds an account and returns its id. Contacts are verified
// unless EmailUnverified is set.
func (s *Server) CreateUser(in NewUser) (string, error) {
	u := user{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Username:    in.Username,
		Email:       in.Email,
		Phone:       in.Phone,
		DateOfBirth: in.DateOfBirth,
		Provider:    in.Provider,
		CreatedAt:   s.now(),
	}
	if in.Password != "" {
		hash, err := s.hasher.Hash(in.Password)
		if err != nil {
			return "", err
		}
		u.PasswordHash = hash
	}
	now := s.now()
	if u.Email != "" && !in.EmailUnverified {
		u.EmailVerifiedAt = &now
	}
	if u.Phone != "" {
		u.PhoneVerifiedAt = &now
	}
	s.store.putUser(u)
	return u.ID, nil
}

// EnableTwoFactor turns on TOTP for a seeded account and returns the base32
// secret and formatted backup codes.
func (s *Server) EnableTwoFactor(userID string) (string, []string, error) {
	raw, secret, err := s.totp.generateSecret()
	if err != nil {
		return "", nil, err
	}
	codes, hashes, err := s.newBackupCodes(userID)
	if err != nil {
		return "", nil, err
	}
	err = s.store.updateUser(userID, func(u *user) error {
		u.TOTPSecret = raw
		u.BackupCodes = hashes
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return secret, codes, nil
}

// TrustDevice seeds a recognized device for userID.
func (s *Server) TrustDevice(userID, fingerprint string) {
	now := s.now()
	info := device.Describe("")
	s.store.putDevice(deviceRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        info.Name,
		DeviceType:  info.DeviceType,
		OS:          info.OS,
		Browser:     info.Browser,
		Verified:    true,
		Trusted:     true,
		LastUsedAt:  now,
		CreatedAt:   now,
	})
}

func (s *Server) newCode() (string, error) {
	return internal.NewOTP(s.config.CodeLength)
}

func (s *Server) newBackupCodes(userID string) ([]string, [][32]byte, error) {
	count := s.config.BackupCodeCount
	if count <= 0 {
		count = 8
	}
	length := s.config.BackupCodeLength
	if length <= 0 {
		length = 10
	}
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(length)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, internal.FormatBackupCode(code))
		hashes = append(hashes, internal.HashBackupCode(userID, code))
	}
	return codes, hashes, nil
}
