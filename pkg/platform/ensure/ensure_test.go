package ensure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessCarriesValueAndStatus(t *testing.T) {
	r := Success("prj_1", StatusCreated, "default project created")
	require.True(t, r.OK())
	assert.True(t, r.Created())
	assert.Equal(t, "prj_1", r.Value)

	r = Success("prj_1", StatusExists, "already present")
	require.True(t, r.OK())
	assert.False(t, r.Created())
}

func TestFailureWrapsOriginalError(t *testing.T) {
	original := errors.New("store down")
	r := Failure[string](original, "create default project")
	require.False(t, r.OK())
	assert.False(t, r.Created())
	assert.ErrorIs(t, r.Err, original)
	assert.Contains(t, r.Err.Error(), "create default project")
}
