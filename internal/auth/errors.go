package auth

import "errors"

// Error kinds surfaced to callers. Store implementations wrap these with %w.
var (
	ErrNotFound           = errors.New("auth: not found")
	ErrDuplicateIdentity  = errors.New("auth: duplicate identity")
	ErrAlreadyAssigned    = errors.New("auth: role already assigned")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInactiveAccount    = errors.New("auth: account inactive")
	ErrQuotaExceeded      = errors.New("auth: quota exceeded")
	ErrMFARequired        = errors.New("auth: mfa code required")
	ErrConflict           = errors.New("auth: conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInternal           = errors.New("auth: internal error")
)

// ErrWeakPassword is returned when a password fails the policy. It matches ErrInvalidInput.
var ErrWeakPassword = &policyError{msg: "auth: password does not meet policy"}

type policyError struct{ msg string }

func (e *policyError) Error() string        { return e.msg }
func (e *policyError) Is(target error) bool { return target == ErrInvalidInput }

var publicErrors = []error{
	ErrNotFound,
	ErrDuplicateIdentity,
	ErrAlreadyAssigned,
	ErrInvalidToken,
	ErrAccountLocked,
	ErrInvalidCredentials,
	ErrInactiveAccount,
	ErrQuotaExceeded,
	ErrMFARequired,
	ErrConflict,
	ErrInvalidInput,
	ErrUnauthorized,
	ErrInternal,
}

// IsPublic reports whether err carries one of the error kinds callers may act on.
func IsPublic(err error) bool {
	for _, kind := range publicErrors {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
