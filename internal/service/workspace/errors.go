package workspace

import (
	"errors"
	"fmt"
)

// Error kinds returned by the Service. Every error it returns wraps exactly
// one of them.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("project not found")
	ErrUnauthorized = errors.New("invalid or missing workspace password")
	ErrCapacity     = errors.New("workspace limit reached")
	ErrProvisioning = errors.New("provisioning failed")
)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func provisioningErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProvisioning, op, err)
}
