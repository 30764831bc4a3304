package models

import (
	"errors"
	"fmt"
)

// ConflictError is returned when an operation would break uniqueness or ordering rules
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %q conflict: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s %q already exists", e.Entity, e.ID)
}

// NotFoundError is returned for unknown bot ids or missing sequences
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// RangeError is returned when a value falls outside [Min, Max]
type RangeError struct {
	What  string
	Value int
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	if e.Max < e.Min {
		return fmt.Sprintf("%s %d out of range: nothing available", e.What, e.Value)
	}
	return fmt.Sprintf("%s %d out of range [%d, %d]", e.What, e.Value, e.Min, e.Max)
}

// NoOpError signals a benign "nothing to do", e.g. branching from an empty topic
type NoOpError struct {
	Reason string
}

func (e *NoOpError) Error() string {
	return "nothing to do: " + e.Reason
}

// BackendError wraps a failed backend call for one bot
type BackendError struct {
	BotID string
	Cause error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend for bot %q failed: %v", e.BotID, e.Cause)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// IntegrityError is returned when persisted state cannot be trusted
type IntegrityError struct {
	UserID string
	Reason string
	Cause  error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("session state of user %q is corrupt: %s", e.UserID, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error {
	return e.Cause
}

// IsNoOp reports whether err is a NoOpError
func IsNoOp(err error) bool {
	var noop *NoOpError
	return errors.As(err, &noop)
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
