package authflow

import (
	"errors"

	"github.com/MrEthical07/authflow/internal/stepup"
)

var (
	// ErrIllegalTransition is returned when the requested step does not follow
	// from the current login state.
	ErrIllegalTransition = stepup.ErrIllegalTransition
	// ErrStaleAttempt is returned when the login attempt was abandoned or
	// superseded while a call was in flight.
	ErrStaleAttempt = stepup.ErrStaleAttempt
	// ErrBuilderUsed is returned by a second call to Build.
	ErrBuilderUsed = errors.New("authflow: builder already used")
	// ErrMissingCredentials is returned when login or password is empty.
	ErrMissingCredentials = errors.New("authflow: login and password are required")
	// ErrNotAuthenticated is returned by operations that need a session token.
	ErrNotAuthenticated = errors.New("authflow: not authenticated")
	// ErrNoToken is returned by Login when no token is supplied or stored.
	ErrNoToken = errors.New("authflow: no session token")
	// ErrConfirmationDeclined is returned when the user declines a logout.
	ErrConfirmationDeclined = errors.New("authflow: confirmation declined")
	// ErrUnexpectedResponse is returned for an auth response without a token
	// or a step-up flag.
	ErrUnexpectedResponse = errors.New("authflow: auth response carries neither token nor challenge")
	// ErrUnknownProvider is returned for a social provider that is not configured.
	ErrUnknownProvider = errors.New("authflow: unknown social provider")
	// ErrSocialNotConfigured is returned when a provider has no client id.
	ErrSocialNotConfigured = errors.New("authflow: social provider has no client id")
	// ErrSocialStateMismatch is returned when the callback state does not match
	// the one issued by SocialAuthURL.
	ErrSocialStateMismatch = errors.New("authflow: social login state mismatch")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("authflow: client closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("authflow: background loops already running")
)
