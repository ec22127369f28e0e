package proxy

// Error codes returned in the JSON error envelope.
const (
	CodeSystemHalted     = "SYSTEM_HALTED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeAPIBlocked       = "API_BLOCKED"
	CodeAPIError         = "API_ERROR"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ErrorResponse is the error envelope returned to the dashboard. The
// error field is a stable machine-readable code; message is for humans.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}
