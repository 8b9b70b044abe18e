package database

import "errors"

var (
	ErrManagerClosed   = errors.New("journal is closed")
	ErrSessionNotFound = errors.New("connection session not found")
	ErrInvalidSession  = errors.New("connection session requires an id and user id")
)
