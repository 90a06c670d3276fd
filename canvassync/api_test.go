package canvassync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestApiGetCanvasObjectsCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canvasId := NewId()
	object := &CanvasObject{
		ObjectId:   NewId(),
		ObjectType: "rect",
		Properties: map[string]any{"x": 1.0, "y": 2.0},
		Version:    1,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "Bearer test-jwt", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(&GetCanvasObjectsResult{
			CanvasId: canvasId,
			Objects:  []*CanvasObject{object},
		})
	}))
	defer server.Close()

	api := NewCanvasApi(ctx, server.URL)
	defer api.Close()
	api.SetByJwt("test-jwt")

	results := make(chan *GetCanvasObjectsResult, 1)
	api.GetCanvasObjects(canvasId, NewApiCallback(func(result *GetCanvasObjectsResult, err error) {
		assert.Equal(t, err, nil)
		results <- result
	}))

	select {
	case result := <-results:
		assert.Equal(t, canvasId, result.CanvasId)
		assert.Equal(t, 1, len(result.Objects))
		assert.Equal(t, object.ObjectId, result.Objects[0].ObjectId)
		assert.Equal(t, 1.0, result.Objects[0].Properties["x"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for callback")
	}
}

func TestApiBadRequestIsPermanent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fill is invalid", http.StatusBadRequest)
	}))
	defer server.Close()

	api := NewCanvasApi(ctx, server.URL)
	defer api.Close()

	_, err := api.UpdateObjectSync(ctx, &UpdateObjectArgs{
		CanvasId: NewId(),
		ObjectId: NewId(),
		Kind:     MutationProperties,
		Payload:  map[string]any{"fill": "bogus"},
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, true, IsPermanentError(err))

	// server errors stay retryable
	serverErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer serverErr.Close()

	api2 := NewCanvasApi(ctx, serverErr.URL)
	defer api2.Close()

	_, err = api2.GetCanvasObjectsSync(ctx, NewId())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, false, IsPermanentError(err))
}
