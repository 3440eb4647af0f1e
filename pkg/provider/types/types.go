package types

import "errors"

// ErrGeneration marks reply-generation failures. The affected user receives
// a fixed apology and the message is recorded as processed-with-failure.
var ErrGeneration = errors.New("generation error")
