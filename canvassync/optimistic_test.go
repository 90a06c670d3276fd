package canvassync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOptimisticStartConfirm(t *testing.T) {
	optimistic := NewOptimisticManager()
	objectId := NewId()

	base := map[string]any{
		"x":    10.0,
		"y":    20.0,
		"fill": "#ff0000",
	}

	display := optimistic.Start(objectId, base, map[string]any{
		"x": 50.0,
	})
	assert.Equal(t, 50.0, display["x"])
	assert.Equal(t, 20.0, display["y"])
	assert.Equal(t, true, optimistic.HasEntry(objectId))
	assert.Equal(t, 1, optimistic.PendingCount())

	// base is not mutated
	assert.Equal(t, 10.0, base["x"])

	serverSnapshot := map[string]any{
		"x":    50.0,
		"y":    20.0,
		"fill": "#ff0000",
	}
	confirmed := optimistic.Confirm(objectId, serverSnapshot)
	assert.Equal(t, 50.0, confirmed["x"])
	assert.Equal(t, false, optimistic.HasEntry(objectId))
	assert.Equal(t, 0, optimistic.PendingCount())
}

func TestOptimisticRepeatedEditsKeepOriginal(t *testing.T) {
	optimistic := NewOptimisticManager()
	objectId := NewId()

	base := map[string]any{
		"x": 0.0,
		"y": 0.0,
	}

	// a burst of unconfirmed edits
	for i := 1; i <= 10; i += 1 {
		display := optimistic.Start(objectId, map[string]any{
			"x": float64(i - 1),
			"y": 0.0,
		}, map[string]any{
			"x": float64(i),
		})
		assert.Equal(t, float64(i), display["x"])
	}

	// only the first base survives. Rollback restores the pre-divergence state.
	original, ok := optimistic.Rollback(objectId)
	assert.Equal(t, true, ok)
	assert.Equal(t, base["x"], original["x"])
	assert.Equal(t, base["y"], original["y"])
	assert.Equal(t, false, optimistic.HasEntry(objectId))

	// second rollback is a no-op
	_, ok = optimistic.Rollback(objectId)
	assert.Equal(t, false, ok)
}

func TestOptimisticDisplaySnapshotFallback(t *testing.T) {
	optimistic := NewOptimisticManager()
	objectId := NewId()

	fallback := map[string]any{
		"x": 7.0,
	}
	display := optimistic.DisplaySnapshot(objectId, fallback)
	assert.Equal(t, 7.0, display["x"])

	optimistic.Start(objectId, fallback, map[string]any{
		"x": 9.0,
	})
	display = optimistic.DisplaySnapshot(objectId, fallback)
	assert.Equal(t, 9.0, display["x"])

	// the entry copy is isolated from internal state
	entry, ok := optimistic.Entry(objectId)
	assert.Equal(t, true, ok)
	entry.ProposedPatch["x"] = 1000.0
	display = optimistic.DisplaySnapshot(objectId, fallback)
	assert.Equal(t, 9.0, display["x"])
}
