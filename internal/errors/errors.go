package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid user id or password")
	ErrInvalidToken       = errors.New("invalid or expired access token")
	ErrDuplicateUpload    = errors.New("upload id already in progress")
	ErrUploadQueueFull    = errors.New("upload queue full")
	ErrSessionClosed      = errors.New("session closed")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
