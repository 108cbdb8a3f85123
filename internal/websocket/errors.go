package websocket

import (
	"errors"
	"fmt"

	"coursechat/pkg/types"
)

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = fmt.Errorf("%w: send buffer full", types.ErrTransientDelivery)
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handshake errors
var (
	ErrRegisterRequired = fmt.Errorf("%w: first frame must be register", types.ErrValidation)
	ErrMissingIdentity  = fmt.Errorf("%w: register requires a token or user_id", types.ErrValidation)
)
