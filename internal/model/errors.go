package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds the service boundaries translate
// into HTTP statuses and user-visible messages. Library layers wrap these
// with context via fmt.Errorf("...: %w", err).
var (
	ErrNotFound          = errors.New("not found")
	ErrSessionNotOpen    = errors.New("session not in open state")
	ErrSessionExpired    = errors.New("session expired")
	ErrDuplicateNickname = errors.New("nickname already in use")
	ErrDuplicatePlayer   = errors.New("player already exists")
	ErrPermission        = errors.New("insufficient guild permission")
	ErrUnauthenticated   = errors.New("not authenticated")
)

// ValidationError is bad user input: malformed command arguments, unknown
// player, race count out of range. Surfaced verbatim, never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CheckRaceCount validates the 1..24 range shared by wars and bulk results.
func CheckRaceCount(n int) error {
	if n < MinRaceCount || n > MaxRaceCount {
		return Validationf("race count must be between %d and %d, got %d", MinRaceCount, MaxRaceCount, n)
	}
	return nil
}
