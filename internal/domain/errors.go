package domain

import "errors"

// Sentinel errors shared across the storage and pipeline layers.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)
