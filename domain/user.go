package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/bytedance/sonic"
)

const maxUsernameLen = 64

// User is the payload of a registered user. The entity id is the username.
type User struct {
	Username     string    `json:"username"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func ValidateUsername(name string) error {
	if name == "" {
		return Invalid("username", "must not be empty")
	}
	if len(name) > maxUsernameLen {
		return Invalid("username", "too long")
	}
	if strings.IndexFunc(name, func(r rune) bool { return unicode.IsSpace(r) || r == '/' }) >= 0 {
		return Invalid("username", "must not contain whitespace or '/'")
	}
	return nil
}

func EncodeUser(u User) ([]byte, error) {
	return sonic.ConfigStd.Marshal(u)
}
