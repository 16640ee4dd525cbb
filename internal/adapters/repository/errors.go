package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("record conflict")
	ErrSealed        = errors.New("stored session is sealed")
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrCorruptRecord = errors.New("stored record is corrupt")
	ErrStoreClosed   = errors.New("store closed")
)
