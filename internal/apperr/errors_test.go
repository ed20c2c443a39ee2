package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsMatchSentinels(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("accept: %w", StoreUnavailable("set matches/m1", cause))

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Retriable(err))
	assert.NotErrorIs(t, err, ErrConflict)

	var su *StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "set matches/m1", su.Op)
}

func TestConflictAndNotFoundAreNotRetriable(t *testing.T) {
	c := Conflict("match %s already %s", "m1", "accepted")
	assert.ErrorIs(t, c, ErrConflict)
	assert.False(t, Retriable(c))
	assert.Equal(t, "conflict: match m1 already accepted", c.Error())

	nf := NotFound("match", "m2")
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.False(t, Retriable(nf))

	v := Validation("party_size", "must be >= 1")
	assert.ErrorIs(t, v, ErrValidation)
}
