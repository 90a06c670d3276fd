package canvassync

import (
	"time"
)

// events from the backend over the event transport

type RemoteEventType string

const (
	EventObjectCreated RemoteEventType = "object_created"
	EventObjectUpdated RemoteEventType = "object_updated"
	EventObjectDeleted RemoteEventType = "object_deleted"
	EventPresence      RemoteEventType = "presence"
)

type RemoteEvent struct {
	Type      RemoteEventType
	ObjectId  Id
	Object    *CanvasObject
	UserId    Id
	Presence  *PresenceState
	EventTime time.Time
}

type PresenceState struct {
	UserId  Id      `json:"user_id"`
	Name    string  `json:"name,omitempty"`
	CursorX float64 `json:"cursor_x,omitempty"`
	CursorY float64 `json:"cursor_y,omitempty"`
	Active  bool    `json:"active"`
}

// connection lifecycle events published by the transport

type ConnectionEventType string

const (
	EventConnectionLost       ConnectionEventType = "connection_lost"
	EventConnectionRestored   ConnectionEventType = "connection_restored"
	EventReconnectionAttempt  ConnectionEventType = "reconnection_attempt"
	EventReconnectionFailed   ConnectionEventType = "reconnection_failed"
	EventReconnectionExhausted ConnectionEventType = "reconnection_exhausted"
)

type ConnectionEvent struct {
	Type      ConnectionEventType
	Attempt   int
	Err       error
	EventTime time.Time
}

// results for locally issued mutations, emitted by the queue manager after
// dispatch settles. The session owns confirm/rollback of optimistic state.

type MutationResult struct {
	Mutation *PendingMutation
	Result   *DispatchResult
}

// wire message for the event transport channel. JSON, one message per frame.
type wireMessage struct {
	Type       string          `json:"type"`
	MessageId  Id              `json:"message_id,omitempty"`
	CanvasId   Id              `json:"canvas_id,omitempty"`
	ObjectId   Id              `json:"object_id,omitempty"`
	ObjectType string          `json:"object_type,omitempty"`
	Kind       MutationKind    `json:"kind,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Object     *CanvasObject   `json:"object,omitempty"`
	Objects    []*CanvasObject `json:"objects,omitempty"`
	UserId     Id              `json:"user_id,omitempty"`
	Presence   *PresenceState  `json:"presence,omitempty"`
	Error      string          `json:"error,omitempty"`
}

const (
	wireTypeMutation      = "mutation"
	wireTypeAck           = "ack"
	wireTypeError         = "error"
	wireTypeObjectCreated = "object_created"
	wireTypeObjectUpdated = "object_updated"
	wireTypeObjectDeleted = "object_deleted"
	wireTypePresence      = "presence"
	wireTypeSyncRequest   = "sync_request"
	wireTypeSync          = "sync"
)
