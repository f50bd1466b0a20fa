package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/internal/rate"
)

var errNotFound = errors.New("not found")

// StatusCSRFMismatch is the status returned when the anti-forgery token is
// missing or wrong.
const StatusCSRFMismatch = 419

// hintShape selects which of the three rate-limit hints a 429 carries.
// Different endpoints use different shapes, as real servers do.
type hintShape uint8

const (
	hintRetryAfter hintShape = iota
	hintResendAvailableAt
	hintRemainingSeconds
)

type field struct {
	name  string
	value string
}

func abortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, api.Envelope{Message: message})
}

func abortUnauthenticated(c *gin.Context) {
	abortError(c, http.StatusUnauthorized, "Unauthenticated.")
}

func abortValidation(c *gin.Context, fields map[string][]string) {
	message := "The given data was invalid."
	for _, msgs := range fields {
		if len(msgs) > 0 {
			message = msgs[0]
			break
		}
	}
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, api.Envelope{Message: message, Errors: fields})
}

func fieldError(c *gin.Context, name, message string) {
	abortValidation(c, map[string][]string{name: {message}})
}

// bindJSON decodes the request body. An empty body is accepted.
func bindJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		abortError(c, http.StatusBadRequest, "Malformed request body.")
		return false
	}
	return true
}

// requireFields writes a 422 naming every empty field.
func requireFields(c *gin.Context, fields ...field) bool {
	missing := make(map[string][]string)
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			label := strings.ReplaceAll(f.name, "_", " ")
			missing[f.name] = []string{fmt.Sprintf("The %s field is required.", label)}
		}
	}
	if len(missing) == 0 {
		return true
	}
	abortValidation(c, missing)
	return false
}

func (s *Server) abortLimited(c *gin.Context, availableAt int64, shape hintShape) {
	now := s.now().Unix()
	if availableAt <= now {
		availableAt = now + int64(s.config.ResendCooldown.Seconds())
	}
	env := api.Envelope{Message: "Too many requests. Please wait before trying again."}
	switch shape {
	case hintResendAvailableAt:
		env.ResendAvailableAt = &availableAt
	case hintRemainingSeconds:
		remaining := availableAt - now
		env.RemainingSeconds = &remaining
	default:
		env.RetryAfter = &availableAt
		c.Header("Retry-After", strconv.FormatInt(availableAt-now, 10))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, env)
}

// abortRateError maps limiter errors onto 429 or 503 responses.
func (s *Server) abortRateError(c *gin.Context, err error, shape hintShape) {
	var limited *rate.LimitedError
	switch {
	case errors.As(err, &limited):
		s.abortLimited(c, limited.AvailableAt, shape)
	case errors.Is(err, rate.ErrRateLimited):
		s.abortLimited(c, s.now().Add(s.config.FailedAttemptWindow).Unix(), shape)
	default:
		s.logger.Error("rate limiter unavailable", zap.Error(err))
		abortError(c, http.StatusServiceUnavailable, "Service temporarily unavailable.")
	}
}

func (s *Server) abortInternal(c *gin.Context, what string, err error) {
	s.logger.Error(what, zap.Error(err))
	abortError(c, http.StatusInternalServerError, "Server error. Please try again later.")
}
