package position

import "errors"

var (
	ErrNotFound        = errors.New("position not found")
	ErrUnauthorized    = errors.New("trader does not own position")
	ErrInvalidState    = errors.New("invalid position state")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPairWrite means neither leg of a pair was persisted.
	ErrPairWrite = errors.New("pair write failed")
)
