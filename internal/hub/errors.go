package hub

// Error codes surfaced to clients in an `error` envelope.
const (
	ErrCodeParseError      = "PARSE_ERROR"
	ErrCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeNotSubscribed   = "NOT_SUBSCRIBED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
)
