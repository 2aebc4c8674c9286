package consts

// Redis key prefixes.
const (
	EntityListKeyPrefix    = "entities:list:"
	EntityListGenKeyPrefix = "entities:gen:"
	IdempotencyKeyPrefix   = "idempotency:"
)

// Request headers.
const (
	IdempotencyKeyHeader  = "Idempotency-Key"
	ExpectedVersionHeader = "If-Match"
)

// WSTokenQueryParam carries the bearer token for WebSocket clients that
// cannot set headers.
const WSTokenQueryParam = "token"

// UsernameContextKey is the echo context key holding the authenticated user.
const UsernameContextKey = "username"
