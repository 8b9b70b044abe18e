package ratelimit

import "errors"

// ErrInvalidWindow is returned for a non-positive quota or a window shorter
// than one second.
var ErrInvalidWindow = errors.New("rate limit window needs a positive quota and a window of at least 1s")
