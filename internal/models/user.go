package models

import "strings"

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse covers both token field names seen on the wire.
type AuthResponse struct {
	Token       string `json:"token,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (r AuthResponse) BearerToken() string {
	if t := strings.TrimSpace(r.Token); t != "" {
		return t
	}
	return strings.TrimSpace(r.AccessToken)
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// OTPMaxDigits is the length of a verification code.
const OTPMaxDigits = 6

// NormalizeCode keeps only the ASCII digits of a typed verification code.
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
