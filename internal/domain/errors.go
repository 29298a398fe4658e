// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyPrompt is returned when a prompt is blank after trimming.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrPromptTooLong is returned when a prompt exceeds MaxPromptLength runes.
	ErrPromptTooLong = errors.New("prompt too long")

	// ErrInvalidTaskStatus is returned when a status string is not a known TaskStatus.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrQuotaExhausted is returned when an owner's subscription has no
	// remaining generation allowance.
	ErrQuotaExhausted = errors.New("generation quota exhausted")

	// ErrNoSubscription is returned when an owner has no subscription record.
	ErrNoSubscription = errors.New("no subscription")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)
