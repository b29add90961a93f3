package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConnectivity reports a transport failure: the server was not reached
	// or the connection broke mid-request.
	ErrConnectivity = errors.New("connectivity error")
	// ErrInvalidData reports a response body that could not be decoded.
	ErrInvalidData = errors.New("invalid data")
	// ErrRequestCreation reports a local failure building a request.
	ErrRequestCreation = errors.New("request creation failed")
	// ErrAccessTokenNotFound is returned when no credentials are stored.
	ErrAccessTokenNotFound = errors.New("access token not found")
	// ErrUnauthorized is returned when the server rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")

	ErrChannelNotFound     = errors.New("channel not found")
	ErrChannelForbidden    = errors.New("channel forbidden")
	ErrChannelDisconnected = errors.New("channel disconnected")
	ErrUnsupportedData     = errors.New("unsupported channel data")
)

// ServerError is a request the server answered with a non-success status.
type ServerError struct {
	Reason     string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Reason)
}

// UserMessage renders err as a short sentence suitable for display.
func UserMessage(err error) string {
	var serverErr *ServerError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &serverErr):
		if serverErr.Reason != "" {
			return serverErr.Reason
		}
		return http.StatusText(serverErr.StatusCode)
	case errors.Is(err, ErrConnectivity):
		return "No connection. Check your network and try again."
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAccessTokenNotFound):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrChannelNotFound):
		return "This conversation no longer exists."
	case errors.Is(err, ErrChannelForbidden):
		return "You can no longer send messages in this conversation."
	case errors.Is(err, ErrChannelDisconnected):
		return "Connection lost. Live updates are paused."
	case errors.Is(err, ErrInvalidData), errors.Is(err, ErrUnsupportedData):
		return "Received data could not be read."
	default:
		return "Something went wrong. Please try again."
	}
}

func statusErr(code int, reason string) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	if reason == "" {
		reason = http.StatusText(code)
	}
	return &ServerError{Reason: reason, StatusCode: code}
}
