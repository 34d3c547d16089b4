package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-our-secret"))
	require.NoError(t, err)
	return s
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	token := signed(t, jwt.MapClaims{"sub": "42", "exp": exp.Unix()})

	got, ok := TokenExpiry(token)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))
	assert.Equal(t, "42", TokenSubject(token))
}

func TestTokenExpiry_Opaque(t *testing.T) {
	_, ok := TokenExpiry("abc123")
	assert.False(t, ok)
	assert.Empty(t, TokenSubject("abc123"))

	_, ok = TokenExpiry(signed(t, jwt.MapClaims{"sub": "42"}))
	assert.False(t, ok, "no exp claim")
}
