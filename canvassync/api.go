package canvassync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// request/response persistence API. This is the fallback and bulk channel:
// used when the event transport is degraded and for full-state refresh
// during sync.

const defaultHttpTimeout = 15 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

// the sync engine talks to this interface so tests and the simulator can
// substitute an in-memory backend
type PersistenceClient interface {
	GetCanvasObjectsSync(ctx context.Context, canvasId Id) (*GetCanvasObjectsResult, error)
	CreateObjectSync(ctx context.Context, createObject *CreateObjectArgs) (*CreateObjectResult, error)
	UpdateObjectSync(ctx context.Context, updateObject *UpdateObjectArgs) (*UpdateObjectResult, error)
	DeleteObjectSync(ctx context.Context, deleteObject *DeleteObjectArgs) (*DeleteObjectResult, error)
}

type CanvasApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	httpClient *http.Client
}

func NewCanvasApi(ctx context.Context, apiUrl string) *CanvasApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CanvasApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *CanvasApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *CanvasApi) Close() {
	self.cancel()
}

type GetCanvasObjectsCallback apiCallback[*GetCanvasObjectsResult]

type GetCanvasObjectsResult struct {
	CanvasId Id              `json:"canvas_id"`
	Objects  []*CanvasObject `json:"objects"`
	Version  int64           `json:"version,omitempty"`
}

func (self *CanvasApi) GetCanvasObjects(canvasId Id, callback GetCanvasObjectsCallback) {
	go get(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/canvas/%s/objects", self.apiUrl, canvasId),
		self.byJwt,
		&GetCanvasObjectsResult{},
		callback,
	)
}

func (self *CanvasApi) GetCanvasObjectsSync(ctx context.Context, canvasId Id) (*GetCanvasObjectsResult, error) {
	return get(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/canvas/%s/objects", self.apiUrl, canvasId),
		self.byJwt,
		&GetCanvasObjectsResult{},
		NewNoopApiCallback[*GetCanvasObjectsResult](),
	)
}

type CreateObjectArgs struct {
	CanvasId   Id             `json:"canvas_id"`
	ObjectId   Id             `json:"object_id"`
	ObjectType string         `json:"object_type"`
	Properties map[string]any `json:"properties"`
}

type CreateObjectResult struct {
	Object *CanvasObject      `json:"object,omitempty"`
	Error  *ObjectResultError `json:"error,omitempty"`
}

type ObjectResultError struct {
	Message string `json:"message"`
}

// mutations have no fire-and-forget variant. Every mutation settles through
// the queue, which needs the result synchronously.
func (self *CanvasApi) CreateObjectSync(ctx context.Context, createObject *CreateObjectArgs) (*CreateObjectResult, error) {
	return post(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/canvas/%s/objects", self.apiUrl, createObject.CanvasId),
		createObject,
		self.byJwt,
		&CreateObjectResult{},
		NewNoopApiCallback[*CreateObjectResult](),
	)
}

type UpdateObjectArgs struct {
	CanvasId Id             `json:"canvas_id"`
	ObjectId Id             `json:"object_id"`
	Kind     MutationKind   `json:"kind"`
	Payload  map[string]any `json:"payload"`
}

type UpdateObjectResult struct {
	Object *CanvasObject      `json:"object,omitempty"`
	Error  *ObjectResultError `json:"error,omitempty"`
}

func (self *CanvasApi) UpdateObjectSync(ctx context.Context, updateObject *UpdateObjectArgs) (*UpdateObjectResult, error) {
	return patch(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/canvas/%s/objects/%s", self.apiUrl, updateObject.CanvasId, updateObject.ObjectId),
		updateObject,
		self.byJwt,
		&UpdateObjectResult{},
		NewNoopApiCallback[*UpdateObjectResult](),
	)
}

type DeleteObjectArgs struct {
	CanvasId Id `json:"canvas_id"`
	ObjectId Id `json:"object_id"`
}

type DeleteObjectResult struct {
	Error *ObjectResultError `json:"error,omitempty"`
}

func (self *CanvasApi) DeleteObjectSync(ctx context.Context, deleteObject *DeleteObjectArgs) (*DeleteObjectResult, error) {
	return del(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/canvas/%s/objects/%s", self.apiUrl, deleteObject.CanvasId, deleteObject.ObjectId),
		self.byJwt,
		&DeleteObjectResult{},
		NewNoopApiCallback[*DeleteObjectResult](),
	)
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "POST", url, args, byJwt, result, callback)
}

func patch[R any](ctx context.Context, client *http.Client, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "PATCH", url, args, byJwt, result, callback)
}

func get[R any](ctx context.Context, client *http.Client, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "GET", url, nil, byJwt, result, callback)
}

func del[R any](ctx context.Context, client *http.Client, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	return request(ctx, client, "DELETE", url, nil, byJwt, result, callback)
}

func request[R any](ctx context.Context, client *http.Client, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		switch r.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			// malformed payload. Not retryable.
			err = NewValidationError("%s", errorMessage)
		default:
			err = errors.New(errorMessage)
		}
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
