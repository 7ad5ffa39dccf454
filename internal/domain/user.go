// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
	// GuestName is shown until a client renames itself.
	GuestName = "guest"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameInvalid = errors.New("username contains control characters")
)

// UserID is the cookie-session token of a client; it is also its peer id.
type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewGuest is the user a fresh session starts as.
func NewGuest(id UserID) *User {
	return &User{ID: id, Username: GuestName}
}

// NormalizeUsername trims surrounding whitespace and checks the result.
// Control characters left inside the name are rejected. The limit counts
// characters, not bytes.
func NormalizeUsername(username string) (string, error) {
	name := strings.TrimSpace(username)
	if name == "" {
		return "", ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", ErrUsernameInvalid
	}
	return name, nil
}

func (u *User) SetUsername(username string) error {
	name, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	u.Username = name
	return nil
}
