package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/worldline-go/types"
)

func TestCredentialExpired(t *testing.T) {
	now := time.Now()

	noExpiry := Credential{Value: "x"}
	assert.False(t, noExpiry.Expired(now))

	future := now.Add(time.Hour)
	notYetExpired := Credential{Value: "x", ExpiresAt: types.NewTimeNull(future)}
	assert.False(t, notYetExpired.Expired(now))

	past := now.Add(-time.Hour)
	alreadyExpired := Credential{Value: "x", ExpiresAt: types.NewTimeNull(past)}
	assert.True(t, alreadyExpired.Expired(now))

	exact := now
	atBoundary := Credential{Value: "x", ExpiresAt: types.NewTimeNull(exact)}
	assert.True(t, atBoundary.Expired(now))
}

func TestJobAppendErrorBoundsList(t *testing.T) {
	j := &Job{ID: "job-1"}

	for i := 0; i < MaxJobErrors+10; i++ {
		j.AppendError(JobError{Where: "source-a", Kind: "NetworkError", Message: "boom"})
	}

	assert.Len(t, j.Errors, MaxJobErrors)
}

func TestJobAppendErrorKeepsMostRecent(t *testing.T) {
	j := &Job{ID: "job-2"}

	for i := 0; i < MaxJobErrors+5; i++ {
		j.AppendError(JobError{Where: "source-a", Message: string(rune('a' + (i % 26)))})
	}

	last := j.Errors[len(j.Errors)-1]
	assert.Equal(t, string(rune('a'+((MaxJobErrors+4)%26))), last.Message)
}
