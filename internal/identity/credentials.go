package identity

import (
	"errors"
	"regexp"
)

var validCharsUsername = regexp.MustCompile(`^[A-Za-z\d@$!%*?&]+$`)
var validCharsPassword = regexp.MustCompile(`^[A-Za-z\d@$!%*?&#]+$`)

// validateUsername returns user-friendly errors
func validateUsername(username string) error {
	if len(username) == 0 {
		return errors.New("empty username")
	}
	if len(username) > 16 {
		return errors.New("username too long. Must be 16 characters or less")
	}
	if !validCharsUsername.MatchString(username) {
		return errors.New("invalid character(s) detected. only normal characters, numbers, and some symbols (no #) allowed")
	}
	return nil
}

// validatePassword returns user-friendly errors
func validatePassword(password string) error {
	if len(password) == 0 {
		return errors.New("empty password. please ensure it's in your config file")
	}
	if len(password) > 30 {
		return errors.New("password too long. Must be 30 characters or less")
	}
	if !validCharsPassword.MatchString(password) {
		return errors.New("invalid character(s) detected. only normal characters, numbers, and some symbols allowed")
	}
	return nil
}
