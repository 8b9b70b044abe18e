package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNilFrame          = errors.New("frame cannot be nil")
	ErrFrameChannelFull  = errors.New("frame channel is full")
)
