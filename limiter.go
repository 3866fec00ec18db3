package edge_rate_limiter

import (
	"context"
	"time"
)

// Defaults for the edge limiter. A client may send DefaultLimit requests to
// paths under DefaultPathPrefix in every DefaultWindow.
const (
	DefaultLimit      uint64 = 10
	DefaultWindow            = 10 * time.Second
	DefaultPathPrefix        = "/api"

	// DefaultClientID keys every request whose origin cannot be resolved.
	// All such requests share one quota.
	DefaultClientID = "127.0.0.1"
)

// Request defines a request to be rate-limited.
type Request struct {
	Key    string
	Limit  uint64
	Window time.Duration
}

// State represents the result of rate limiting.
type State int64

const (
	Deny State = iota
	Allow
)

var stateStrings = map[State]string{
	Allow: "Allow",
	Deny:  "Deny",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "Unknown"
}

// Result is the outcome of a rate limit check.
//
// Count is the number of requests seen in the current window, rejected ones
// included. Token bucket strategies report the tokens left instead.
type Result struct {
	State   State
	Count   uint64
	ResetAt time.Time
}

// Strategy interface defines the contract for rate limiting strategies.
type Strategy interface {
	Execute(ctx context.Context, r *Request) (*Result, error)
}
