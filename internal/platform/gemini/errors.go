package gemini

import "errors"

// ErrNoImage is wrapped by generation.ErrInvalidResponse when a response
// carries no inline image part.
var ErrNoImage = errors.New("response contains no image")
