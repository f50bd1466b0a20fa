package devserver

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/internal"
)

const (
	ctxUser    = "devserver.user"
	ctxSession = "devserver.session"
)

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)
				abortError(c, http.StatusInternalServerError, "Server error. Please try again later.")
			}
		}()
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("request_id", c.GetHeader(api.RequestIDHeader)),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// csrfCookie issues a fresh anti-forgery cookie.
func (s *Server) csrfCookie(c *gin.Context) {
	token, err := internal.NewToken(32)
	if err != nil {
		s.abortInternal(c, "csrf token", err)
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     api.CSRFCookie,
		Value:    url.QueryEscape(token),
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	c.Status(http.StatusNoContent)
}

// csrfGuard rejects state-changing requests whose header does not echo the
// anti-forgery cookie.
func (s *Server) csrfGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.DisableCSRF {
			c.Next()
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		cookie, err := c.Cookie(api.CSRFCookie)
		header := c.GetHeader(api.CSRFHeader)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			abortError(c, StatusCSRFMismatch, "CSRF token mismatch.")
			return
		}
		c.Next()
	}
}

// authenticate resolves the bearer token to a live session and its user.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthenticated(c)
			return
		}
		claims, err := s.tokens.Parse(token)
		if err != nil {
			abortUnauthenticated(c)
			return
		}
		sess, ok := s.store.session(claims.SID)
		if !ok || sess.Revoked || sess.UserID != claims.Subject {
			abortUnauthenticated(c)
			return
		}
		u, ok := s.store.user(sess.UserID)
		if !ok {
			abortUnauthenticated(c)
			return
		}
		c.Set(ctxUser, u)
		c.Set(ctxSession, sess)
		c.Next()
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := value[len(bearer):]
	if token == "" {
		return "", false
	}
	return token, true
}

func currentUser(c *gin.Context) user {
	return c.MustGet(ctxUser).(user)
}

func currentSession(c *gin.Context) session {
	return c.MustGet(ctxSession).(session)
}

// fingerprint prefers the device header over a body value.
func fingerprint(c *gin.Context, body string) string {
	if v := strings.TrimSpace(c.GetHeader(api.DeviceHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(body)
}
