package canvassync

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/golang/glog"
)

// DispatchService sends one mutation to the backend: the event transport
// first, falling back to the persistence API, with bounded retries and
// exponential backoff. It never mutates optimistic state - callers own
// confirm/rollback.

type DispatchMethod string

const (
	MethodTransport DispatchMethod = "transport"
	MethodApi       DispatchMethod = "api"
	MethodNone      DispatchMethod = "none"
)

// reports each attempt for observability
type DispatchProgressFunction func(attempt int, method DispatchMethod)

type DispatchResult struct {
	Success  bool
	Method   DispatchMethod
	Attempts int
	// the confirmed object, when the backend returns one
	Object *CanvasObject
	Err    error
	// permanent failures must not be retried
	Permanent bool
}

type DispatchServiceSettings struct {
	MaxAttempts int
	// bound on each single attempt. This also bounds how long the
	// single-flight lock is held.
	AttemptTimeout  time.Duration
	BackoffMinDelay time.Duration
	BackoffMaxDelay time.Duration
}

func DefaultDispatchServiceSettings() *DispatchServiceSettings {
	return &DispatchServiceSettings{
		MaxAttempts:     3,
		AttemptTimeout:  5 * time.Second,
		BackoffMinDelay: 200 * time.Millisecond,
		BackoffMaxDelay: 5 * time.Second,
	}
}

type DispatchService struct {
	canvasId Id

	transport MutationTransport
	api       PersistenceClient

	optimistic *OptimisticManager
	loading    *LoadingManager

	settings *DispatchServiceSettings
}

func NewDispatchServiceWithDefaults(
	canvasId Id,
	transport MutationTransport,
	api PersistenceClient,
	optimistic *OptimisticManager,
	loading *LoadingManager,
) *DispatchService {
	return NewDispatchService(
		canvasId,
		transport,
		api,
		optimistic,
		loading,
		DefaultDispatchServiceSettings(),
	)
}

func NewDispatchService(
	canvasId Id,
	transport MutationTransport,
	api PersistenceClient,
	optimistic *OptimisticManager,
	loading *LoadingManager,
	settings *DispatchServiceSettings,
) *DispatchService {
	return &DispatchService{
		canvasId:   canvasId,
		transport:  transport,
		api:        api,
		optimistic: optimistic,
		loading:    loading,
		settings:   settings,
	}
}

// attempts delivery of one mutation. Exactly one attempted object mutation
// per call per transport tried. On final failure the result carries the
// cause - the caller decides disposition.
func (self *DispatchService) Send(ctx context.Context, mutation *PendingMutation, progress DispatchProgressFunction) *DispatchResult {
	if !self.loading.StartLoading(mutation.ObjectId, mutation.Kind) {
		return &DispatchResult{
			Method: MethodNone,
			Err:    ErrObjectBusy,
		}
	}

	result := self.send(ctx, mutation, progress)

	if result.Success {
		self.loading.StopLoading(mutation.ObjectId, OutcomeSucceeded)
	} else {
		self.loading.StopLoading(mutation.ObjectId, OutcomeFailed)
	}
	return result
}

func (self *DispatchService) send(ctx context.Context, mutation *PendingMutation, progress DispatchProgressFunction) *DispatchResult {
	reportProgress := func(attempt int, method DispatchMethod) {
		if progress != nil {
			HandleError(func() {
				progress(attempt, method)
			})
		}
	}

	var lastErr error
	lastMethod := MethodNone

	for attempt := 1; attempt <= self.settings.MaxAttempts; attempt += 1 {
		mutation.Attempt = attempt

		attemptCtx, attemptCancel := context.WithTimeout(ctx, self.settings.AttemptTimeout)

		if self.transport.IsConnected() {
			lastMethod = MethodTransport
			reportProgress(attempt, MethodTransport)
			err := self.transport.SendMutation(attemptCtx, mutation)
			if err == nil {
				attemptCancel()
				glog.V(1).Infof("[dis]%s %s attempt=%d method=transport ok\n", mutation.ObjectId, mutation.Kind, attempt)
				return &DispatchResult{
					Success:  true,
					Method:   MethodTransport,
					Attempts: attempt,
				}
			}
			lastErr = err
			if IsPermanentError(err) {
				attemptCancel()
				return self.failed(mutation, MethodTransport, attempt, err, true)
			}
			glog.V(1).Infof("[dis]%s %s attempt=%d method=transport error = %s\n", mutation.ObjectId, mutation.Kind, attempt, err)
		}

		// fall back to the request/response channel
		lastMethod = MethodApi
		reportProgress(attempt, MethodApi)
		object, err := self.sendApi(attemptCtx, mutation)
		attemptCancel()
		if err == nil {
			glog.V(1).Infof("[dis]%s %s attempt=%d method=api ok\n", mutation.ObjectId, mutation.Kind, attempt)
			return &DispatchResult{
				Success:  true,
				Method:   MethodApi,
				Attempts: attempt,
				Object:   object,
			}
		}
		lastErr = err
		if IsPermanentError(err) {
			return self.failed(mutation, MethodApi, attempt, err, true)
		}
		glog.V(1).Infof("[dis]%s %s attempt=%d method=api error = %s\n", mutation.ObjectId, mutation.Kind, attempt, err)

		if attempt < self.settings.MaxAttempts {
			select {
			case <-ctx.Done():
				return self.failed(mutation, lastMethod, attempt, ctx.Err(), false)
			case <-time.After(self.backoffDelay(attempt)):
			}
		}
	}

	return self.failed(mutation, lastMethod, self.settings.MaxAttempts, lastErr, false)
}

func (self *DispatchService) failed(mutation *PendingMutation, method DispatchMethod, attempts int, err error, permanent bool) *DispatchResult {
	if err == nil {
		err = fmt.Errorf("dispatch failed")
	}
	glog.Infof(
		"[dis]%s %s failed attempts=%d method=%s pending=%t = %s\n",
		mutation.ObjectId,
		mutation.Kind,
		attempts,
		method,
		self.optimistic.HasEntry(mutation.ObjectId),
		err,
	)
	return &DispatchResult{
		Method:    method,
		Attempts:  attempts,
		Err:       err,
		Permanent: permanent,
	}
}

func (self *DispatchService) sendApi(ctx context.Context, mutation *PendingMutation) (*CanvasObject, error) {
	switch mutation.Kind {
	case MutationCreate:
		result, err := self.api.CreateObjectSync(ctx, &CreateObjectArgs{
			CanvasId:   self.canvasId,
			ObjectId:   mutation.ObjectId,
			ObjectType: mutation.ObjectType,
			Properties: mutation.Payload,
		})
		if err != nil {
			return nil, err
		}
		if result.Error != nil {
			return nil, NewValidationError("%s", result.Error.Message)
		}
		return result.Object, nil
	case MutationDelete:
		result, err := self.api.DeleteObjectSync(ctx, &DeleteObjectArgs{
			CanvasId: self.canvasId,
			ObjectId: mutation.ObjectId,
		})
		if err != nil {
			return nil, err
		}
		if result.Error != nil {
			return nil, NewValidationError("%s", result.Error.Message)
		}
		return nil, nil
	case MutationPosition, MutationResize, MutationProperties:
		result, err := self.api.UpdateObjectSync(ctx, &UpdateObjectArgs{
			CanvasId: self.canvasId,
			ObjectId: mutation.ObjectId,
			Kind:     mutation.Kind,
			Payload:  mutation.Payload,
		})
		if err != nil {
			return nil, err
		}
		if result.Error != nil {
			return nil, NewValidationError("%s", result.Error.Message)
		}
		return result.Object, nil
	default:
		return nil, NewValidationError("unknown mutation kind: %s", mutation.Kind)
	}
}

// exponential backoff with jitter, bounded by the delay cap
func (self *DispatchService) backoffDelay(attempt int) time.Duration {
	delay := self.settings.BackoffMinDelay << uint(attempt-1)
	if self.settings.BackoffMaxDelay < delay {
		delay = self.settings.BackoffMaxDelay
	}
	// half fixed, half jitter
	return delay/2 + time.Duration(mathrand.Int63n(int64(delay/2)+1))
}
