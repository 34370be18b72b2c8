package services

import "fmt"

// NotFoundError is returned when a pipeline, run or artifact does not exist
type NotFoundError struct {
	Message string
	ID      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.ID)
}

// BadRequestError is returned for invalid payloads
type BadRequestError struct {
	Message string
	Details *string
}

func (e *BadRequestError) Error() string {
	if e.Details != nil {
		return e.Message + ": " + *e.Details
	}
	return e.Message
}

// UnauthorizedError is returned when login fails
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	return e.Message
}

// ForbiddenError is returned when the caller's token does not cover the
// pipeline or the operation
type ForbiddenError struct {
	Message string
	ID      string
}

func (e *ForbiddenError) Error() string {
	if e.ID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.ID)
}

// ConflictError is returned when a pipeline with the same name is running
type ConflictError struct {
	Message string
	ID      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.ID)
}

// InternalError wraps unexpected failures
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return e.Message
}

func ptrString(s string) *string {
	return &s
}
