package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT(42, RoleAgent, "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	require.Equal(t, uint64(42), claims.UID)
	require.Equal(t, RoleAgent, claims.Role)
}

func TestParse_WrongSecret(t *testing.T) {
	tok, err := SignJWT(1, RoleUser, "secret", time.Hour)
	require.NoError(t, err)

	_, err = ParseJWT(tok, "other")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Expired(t *testing.T) {
	tok, err := SignJWT(1, RoleUser, "secret", -time.Minute)
	require.NoError(t, err)

	_, err = ParseJWT(tok, "secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}
