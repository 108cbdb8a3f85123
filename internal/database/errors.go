package database

import (
	"fmt"

	"coursechat/pkg/types"
)

// ErrManagerClosed is returned for writes issued after Close.
var ErrManagerClosed = fmt.Errorf("%w: database manager is closed", types.ErrStorage)

// storageError classifies a driver failure as types.ErrStorage while keeping
// the driver error inspectable.
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrStorage, op, err)
}
