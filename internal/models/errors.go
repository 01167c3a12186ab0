package models

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("forbidden")
	ErrUpload             = errors.New("upload failed")
	ErrDelete             = errors.New("delete failed")
)

// AppError pairs an error kind with a message that is safe to show to clients.
type AppError struct {
	Kind    error
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewError builds an AppError of the given kind.
func NewError(kind error, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// WrapError builds an AppError of the given kind around a cause.
func WrapError(kind error, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}
