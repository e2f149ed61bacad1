package proxy

import (
	"errors"
	"fmt"

	"mercator-hq/conduit/pkg/proxy/types"
)

// Common session errors that can be checked with errors.Is().
var (
	// ErrNoRoute is returned when no backend is configured for a request.
	ErrNoRoute = errors.New("no backend matches the request")

	// ErrConnectTimeout is returned when a backend connect takes longer
	// than the engine's connect timeout.
	ErrConnectTimeout = errors.New("backend connect timed out")

	// ErrBacklogTimeout is returned when a session waited in the backlog
	// for longer than the backlog timeout.
	ErrBacklogTimeout = errors.New("no backend connection became available")

	// ErrRedirectLoop is returned when a session exceeded the restart and
	// internal redirect budget.
	ErrRedirectLoop = errors.New("too many internal restarts")

	// ErrBackendClosed is returned when the backend closed the connection
	// before the response was complete.
	ErrBackendClosed = errors.New("backend closed the connection")

	// ErrMalformedResponse is returned when the backend response could not
	// be parsed or decoded.
	ErrMalformedResponse = errors.New("malformed backend response")

	// ErrAborted is passed to FrontEnd.Done when the front end aborted the
	// session.
	ErrAborted = errors.New("session aborted")

	// ErrShutdown is passed to FrontEnd.Done for sessions still running when
	// the loop stops.
	ErrShutdown = errors.New("proxy loop shut down")
)

// GatewayError is a session failure that maps to an HTTP status the front
// end answers with on the backend's behalf.
type GatewayError struct {
	// Status is the HTTP status code, e.g. 502.
	Status int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %v", e.Status, e.Err)
}

// Unwrap returns the underlying cause.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// StatusOf returns the HTTP status for err: the status of a wrapped
// GatewayError, 500 otherwise.
func StatusOf(err error) int {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Status
	}
	return 500
}

// HandleError converts a session error to the JSON error body sent to the
// client. backend names the backend involved and may be empty.
//
// Example usage:
//
//	if err != nil {
//	    errResp := HandleError(err, c.ID, route.Name)
//	    WriteErrorResponse(w, errResp)
//	    return
//	}
func HandleError(err error, requestID, backend string) *types.ErrorResponse {
	status := StatusOf(err)

	var resp *types.ErrorResponse
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		resp = reqErr.ToErrorResponse()
	case errors.Is(err, ErrRedirectLoop):
		resp = types.NewBadGatewayError("Too many internal redirects or restarts", types.CodeRedirectLoop)
	case errors.Is(err, ErrNoRoute):
		resp = types.ForStatus(404, "No backend is configured for this request")
	case status == 500:
		// Internal errors carry no detail.
		resp = types.NewServerError("An internal error occurred. Please try again later.")
	default:
		resp = types.ForStatus(status, message(err))
	}

	resp.Error.Backend = backend
	resp.Error.RequestID = requestID
	return resp
}

func message(err error) string {
	switch {
	case errors.Is(err, ErrConnectTimeout):
		return "Backend connect timed out"
	case errors.Is(err, ErrBacklogTimeout):
		return "No backend connection became available in time"
	case errors.Is(err, ErrBackendClosed):
		return "Backend closed the connection before the response was complete"
	case errors.Is(err, ErrMalformedResponse):
		return "Backend sent a malformed response"
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && gwErr.Err != nil {
		return fmt.Sprintf("Backend request failed: %v", gwErr.Err)
	}
	return "Backend request failed"
}
