package auth

import (
	"errors"
	"strings"
)

var (
	ErrNoLogin    = errors.New("login is required")
	ErrNoPassword = errors.New("password is required")
)

// Credentials are sent as HTTP Basic authentication to the authentication URL.
type Credentials struct {
	Login    string
	Password string
}

func (c Credentials) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Login) == "" {
		errs = append(errs, ErrNoLogin)
	}
	if c.Password == "" {
		errs = append(errs, ErrNoPassword)
	}
	return errors.Join(errs...)
}

// String never prints the password.
func (c Credentials) String() string {
	return c.Login + ":***"
}
