package canvassync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadingSingleFlight(t *testing.T) {
	loading := NewLoadingManagerWithDefaults()
	defer loading.Close()

	objectId := NewId()

	assert.Equal(t, true, loading.StartLoading(objectId, MutationPosition))
	assert.Equal(t, true, loading.IsLoading(objectId))
	assert.Equal(t, 1, loading.LoadingCount())

	// a second overlapping mutation on the same object is refused
	assert.Equal(t, false, loading.StartLoading(objectId, MutationResize))

	// a different object is independent
	otherId := NewId()
	assert.Equal(t, true, loading.StartLoading(otherId, MutationCreate))
	assert.Equal(t, 2, loading.LoadingCount())

	state, ok := loading.LoadingState(objectId)
	assert.Equal(t, true, ok)
	assert.Equal(t, MutationPosition, state.Kind)

	loading.StopLoading(objectId, OutcomeSucceeded)
	assert.Equal(t, false, loading.IsLoading(objectId))
	assert.Equal(t, true, loading.StartLoading(objectId, MutationResize))
}

func TestLoadingExpiry(t *testing.T) {
	loading := NewLoadingManager(&LoadingManagerSettings{
		LoadingTimeout: 20 * time.Millisecond,
	})
	defer loading.Close()

	objectId := NewId()
	assert.Equal(t, true, loading.StartLoading(objectId, MutationProperties))

	// a stuck flight cannot hold the object busy past the timeout
	waitFor(t, 1*time.Second, "loading expiry", func() bool {
		return !loading.IsLoading(objectId)
	})
	assert.Equal(t, true, loading.StartLoading(objectId, MutationProperties))
}
