package upload_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rakunlabs/connectgate/internal/upload"
)

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := upload.IdempotencyKey("conn-1", "ext-1", "fingerprint")
	b := upload.IdempotencyKey("conn-1", "ext-1", "fingerprint")
	assert.Equal(t, a, b)

	c := upload.IdempotencyKey("conn-1", "ext-2", "fingerprint")
	assert.NotEqual(t, a, c)
}
