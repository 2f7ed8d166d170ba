package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify_RoundTrip(t *testing.T) {
	secret := []byte("shh")
	body := []byte(`{"slug":"sync-now","input":{}}`)
	now := time.Unix(1_700_000_000, 0).UTC()

	header := Sign(secret, now, body)
	require.NoError(t, Verify(secret, header, body, now, 0))
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	secret := []byte("shh")
	now := time.Unix(1_700_000_000, 0).UTC()
	header := Sign(secret, now, []byte(`{"a":1}`))

	err := Verify(secret, header, []byte(`{"a":2}`), now, 0)
	require.Error(t, err)
}

func TestVerify_RejectsOutsideTolerance(t *testing.T) {
	secret := []byte("shh")
	body := []byte(`{}`)
	signedAt := time.Unix(1_700_000_000, 0).UTC()
	header := Sign(secret, signedAt, body)

	checkedAt := signedAt.Add(10 * time.Minute)
	err := Verify(secret, header, body, checkedAt, 300*time.Second)
	require.Error(t, err)
}

func TestVerify_RejectsMalformedHeader(t *testing.T) {
	err := Verify([]byte("s"), "garbage", []byte("{}"), time.Now(), 0)
	require.Error(t, err)
}
