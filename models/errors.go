package models

import "errors"

var (
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrZeroElapsedInterval = errors.New("zero elapsed interval")
	ErrInvalidCount        = errors.New("invalid item count")
	ErrInvalidInterval     = errors.New("invalid update interval")
	ErrInvalidMember       = errors.New("invalid queue member")
)
