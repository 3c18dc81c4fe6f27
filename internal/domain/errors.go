package domain

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrSessionBusy = errors.New("previous job still processing")
)
