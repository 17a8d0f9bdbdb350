package gateway

import "errors"

var (
	ErrInvalidConfig   = errors.New("gateway: invalid configuration")
	ErrRequestRejected = errors.New("gateway: request rejected")
	ErrUnexpectedReply = errors.New("gateway: unexpected response")
	ErrUnknownEvent    = errors.New("gateway: unknown event payload")
)
