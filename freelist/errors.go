package freelist

import "errors"

// ErrStripeExhaustion is returned, wrapped, by AllocEntry and AllocRange
// when a list's next_alloc counter would wrap around uint64. The
// condition is unrecoverable for the list - no further identifiers
// exist - but it surfaces as an error rather than a panic so the caller
// decides how the process dies.
var ErrStripeExhaustion = errors.New("freelist: identifier stripe exhausted")
