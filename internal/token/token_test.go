package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	svc := NewService("test-secret")

	signed, err := svc.Sign(Payload{
		Username: "alice",
		Role:     RoleUser,
		RoomID:   "room-1",
		Claims:   []Claim{ClaimJoinRoom},
	}, time.Minute)
	require.NoError(t, err)

	payload, err := svc.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice", payload.Username)
	assert.Equal(t, RoleUser, payload.Role)
	assert.Equal(t, "room-1", payload.RoomID)
	assert.True(t, payload.HasClaim(ClaimJoinRoom))
	assert.False(t, payload.HasClaim(ClaimCreateRoom))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed, err := NewService("secret-a").Sign(Payload{Username: "bob"}, time.Minute)
	require.NoError(t, err)

	_, err = NewService("secret-b").Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := NewService("test-secret")
	signed, err := svc.Sign(Payload{Username: "bob"}, -time.Minute)
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestZeroExpiryNeverExpires(t *testing.T) {
	svc := NewService("test-secret")
	signed, err := svc.Sign(Payload{Username: "bob"}, 0)
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.NoError(t, err)
}

func TestVerifyClaim(t *testing.T) {
	svc := NewService("test-secret")
	signed, err := svc.Sign(Payload{
		RoomID: "room-2",
		Claims: []Claim{ClaimCreateRoom},
	}, time.Minute)
	require.NoError(t, err)

	payload, err := svc.VerifyClaim(signed, ClaimCreateRoom)
	require.NoError(t, err)
	assert.Equal(t, "room-2", payload.RoomID)

	_, err = svc.VerifyClaim(signed, ClaimJoinRoom)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewService("test-secret").Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
