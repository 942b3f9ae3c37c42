package models

import (
	"strings"
	"time"
)

// Experimenter is a lab member who can read session data.
type Experimenter struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Handle    string    `json:"handle"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Initials returns the upper-case first letter of each name part, used to
// sign exported datasets.
func (e Experimenter) Initials() string {
	var b strings.Builder
	for _, part := range strings.Fields(e.Name) {
		b.WriteString(strings.ToUpper(string([]rune(part)[0])))
	}
	return b.String()
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token        string       `json:"token"`
	Experimenter Experimenter `json:"experimenter"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
