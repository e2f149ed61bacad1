package types

// ErrorResponse is the JSON body written when the gateway answers on behalf
// of an unreachable or misbehaving backend:
//
//	{"error": {"message": "...", "type": "bad_gateway", "code": "backend_error", "backend": "app", "request_id": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one gateway error. Type determines the HTTP status;
// Code refines it.
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Backend   string `json:"backend,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error types.
const (
	ErrorTypeInvalidRequest     = "invalid_request_error"
	ErrorTypeNotFound           = "not_found"
	ErrorTypeServerError        = "server_error"
	ErrorTypeBadGateway         = "bad_gateway"
	ErrorTypeServiceUnavailable = "service_unavailable"
	ErrorTypeGatewayTimeout     = "gateway_timeout"
)

// Error codes.
const (
	CodeBackendError       = "backend_error"
	CodeBackendTimeout     = "backend_timeout"
	CodeBackendUnavailable = "backend_unavailable"
	CodeRedirectLoop       = "redirect_loop"
	CodeRequestTooLarge    = "request_too_large"
	CodeNoBackend          = "no_backend"
	CodeInternalError      = "internal_error"
)

// statusKinds maps each status the gateway answers with to its type and
// default code.
var statusKinds = map[int]struct{ typ, code string }{
	400: {ErrorTypeInvalidRequest, ""},
	404: {ErrorTypeNotFound, CodeNoBackend},
	413: {ErrorTypeInvalidRequest, CodeRequestTooLarge},
	500: {ErrorTypeServerError, CodeInternalError},
	502: {ErrorTypeBadGateway, CodeBackendError},
	503: {ErrorTypeServiceUnavailable, CodeBackendUnavailable},
	504: {ErrorTypeGatewayTimeout, CodeBackendTimeout},
}

// ForStatus builds the error response for an HTTP status. Statuses the
// gateway never produces become 500.
func ForStatus(status int, message string) *ErrorResponse {
	k, ok := statusKinds[status]
	if !ok {
		k = statusKinds[500]
	}
	return &ErrorResponse{Error: ErrorDetail{Message: message, Type: k.typ, Code: k.code}}
}

// NewServerError is ForStatus(500, message).
func NewServerError(message string) *ErrorResponse {
	return ForStatus(500, message)
}

// NewBadGatewayError is a 502 with code, or backend_error when code is
// empty.
func NewBadGatewayError(message, code string) *ErrorResponse {
	resp := ForStatus(502, message)
	if code != "" {
		resp.Error.Code = code
	}
	return resp
}

// HTTPStatusCode returns the status for the error type. Unknown types are
// 500.
func (e *ErrorDetail) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeInvalidRequest:
		if e.Code == CodeRequestTooLarge {
			return 413
		}
		return 400
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeBadGateway:
		return 502
	case ErrorTypeServiceUnavailable:
		return 503
	case ErrorTypeGatewayTimeout:
		return 504
	default:
		return 500
	}
}
