package router

import (
	"errors"

	"fanout/pkg/types"
)

var (
	ErrNilFrame           = errors.New("frame cannot be nil")
	ErrSenderNotConnected = errors.New("sender not connected")
	ErrRateLimited        = errors.New("too many frames, slow down")
	ErrStatusUnavailable  = errors.New("status updates are not available")
	ErrStatusUpdateFailed = errors.New("status update failed")
)

// ErrorCode maps a routing error to the code reported to the sender.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return types.ErrorCodeRateLimited
	case errors.Is(err, ErrNilFrame),
		errors.Is(err, types.ErrInvalidFrameType),
		errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrMissingRecipient),
		errors.Is(err, types.ErrTooManyRecipients),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, types.ErrDataTooLarge):
		return types.ErrorCodeInvalidFrame
	default:
		return types.ErrorCodeDeliveryFailed
	}
}
