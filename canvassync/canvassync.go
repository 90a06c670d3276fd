package canvassync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a shape/text/line entity on the canvas.
// `Properties` is the type-specific property map validated against the
// schema for `ObjectType` (see object_schema.go).
type CanvasObject struct {
	ObjectId    Id             `json:"object_id"`
	ObjectType  string         `json:"object_type"`
	Properties  map[string]any `json:"properties"`
	OwnerId     Id             `json:"owner_id,omitempty"`
	Version     int64          `json:"version"`
	UpdatedTime time.Time      `json:"updated_time,omitempty"`
}

func (self *CanvasObject) Copy() *CanvasObject {
	if self == nil {
		return nil
	}
	copy := *self
	copy.Properties = copySnapshot(self.Properties)
	return &copy
}

type MutationKind string

const (
	MutationCreate     MutationKind = "create"
	MutationPosition   MutationKind = "position"
	MutationResize     MutationKind = "resize"
	MutationProperties MutationKind = "properties"
	MutationDelete     MutationKind = "delete"
)

type MutationPriority int

const (
	PriorityLow    MutationPriority = 0
	PriorityNormal MutationPriority = 1
	PriorityHigh   MutationPriority = 2
)

// position edits coalesce on a shorter window and jump the queue
func DefaultPriority(kind MutationKind) MutationPriority {
	switch kind {
	case MutationPosition:
		return PriorityHigh
	// create and delete must not drain after later edits to the same object
	case MutationCreate, MutationDelete:
		return PriorityHigh
	case MutationResize, MutationProperties:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

type MutationStatus string

const (
	StatusQueued    MutationStatus = "queued"
	StatusInFlight  MutationStatus = "in_flight"
	StatusSucceeded MutationStatus = "succeeded"
	StatusFailed    MutationStatus = "failed"
)

// unit of work queued for delivery to the backend.
// exactly one in-flight mutation per object id at a time. Others targeting
// the same object wait in the queue.
type PendingMutation struct {
	MutationId Id               `json:"mutation_id"`
	ObjectId   Id               `json:"object_id"`
	ObjectType string           `json:"object_type,omitempty"`
	Kind       MutationKind     `json:"kind"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Priority   MutationPriority `json:"priority"`
	Attempt    int              `json:"attempt"`
	Retries    int              `json:"retries"`
	MaxRetries int              `json:"max_retries"`
	CreateTime time.Time        `json:"create_time"`
	Status     MutationStatus   `json:"status"`
	// terminal error, set when `Status` is failed
	Err error `json:"-"`
}

func NewPendingMutation(objectId Id, kind MutationKind, payload map[string]any) *PendingMutation {
	return &PendingMutation{
		MutationId: NewId(),
		ObjectId:   objectId,
		Kind:       kind,
		Payload:    copySnapshot(payload),
		Priority:   DefaultPriority(kind),
		CreateTime: time.Now(),
		Status:     StatusQueued,
	}
}

// speculative local override for one object.
// `OriginalSnapshot` is the state before the first unconfirmed edit and is
// preserved across repeated local edits, so rollback always restores the true
// pre-divergence state.
type OptimisticEntry struct {
	ObjectId         Id             `json:"object_id"`
	OriginalSnapshot map[string]any `json:"original_snapshot"`
	ProposedPatch    map[string]any `json:"proposed_patch"`
	CreateTime       time.Time      `json:"create_time"`
}

// the merged display state: original patched with the most recent patch
func (self *OptimisticEntry) DisplaySnapshot() map[string]any {
	return patchSnapshot(self.OriginalSnapshot, self.ProposedPatch)
}

type ResolutionStrategy string

const (
	ResolutionServerWins ResolutionStrategy = "server_wins"
	ResolutionClientWins ResolutionStrategy = "client_wins"
	ResolutionMerge      ResolutionStrategy = "merge"
	ResolutionSkip       ResolutionStrategy = "skip"
)

// produced when a full-state sync finds a divergent object that also has a
// pending optimistic entry
type ConflictRecord struct {
	ObjectId         Id                 `json:"object_id"`
	LocalSnapshot    map[string]any     `json:"local_snapshot,omitempty"`
	ServerSnapshot   map[string]any     `json:"server_snapshot,omitempty"`
	ServerObject     *CanvasObject      `json:"server_object,omitempty"`
	DetectTime       time.Time          `json:"detect_time"`
	Resolution       ResolutionStrategy `json:"resolution,omitempty"`
	ResolvedSnapshot map[string]any     `json:"resolved_snapshot,omitempty"`
}

type QueueStats struct {
	QueueSize      int    `json:"queue_size"`
	InFlightCount  int    `json:"in_flight_count"`
	SucceededCount uint64 `json:"succeeded_count"`
	FailedCount    uint64 `json:"failed_count"`
	TerminalCount  int    `json:"terminal_count"`
}

type SyncStats struct {
	State             SyncState `json:"state"`
	LastSyncTime      time.Time `json:"last_sync_time,omitempty"`
	SyncCount         uint64    `json:"sync_count"`
	ConflictCount     uint64    `json:"conflict_count"`
	UnresolvedCount   int       `json:"unresolved_count"`
	LastConsistent    bool      `json:"last_consistent"`
	ForcedRefreshes   uint64    `json:"forced_refreshes"`
	ReconcileCount    uint64    `json:"reconcile_count"`
	AdoptedFromServer uint64    `json:"adopted_from_server"`
}

func copySnapshot(snapshot map[string]any) map[string]any {
	if snapshot == nil {
		return nil
	}
	return maps.Clone(snapshot)
}

// returns a new snapshot with `patch` applied over `base`.
// neither input is modified.
func patchSnapshot(base map[string]any, patch map[string]any) map[string]any {
	merged := map[string]any{}
	maps.Copy(merged, base)
	maps.Copy(merged, patch)
	return merged
}

func snapshotsEqual(a map[string]any, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		other, ok := b[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", value) != fmt.Sprintf("%v", other) {
			return false
		}
	}
	return true
}
