package store

import "errors"

var (
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoSession         = errors.New("no signed-in user")
	ErrNotOwner          = errors.New("entity belongs to another user")
)
