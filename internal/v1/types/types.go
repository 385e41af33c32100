// Package types defines the shared domain vocabulary for the collaboration
// gateway: connections, rooms, locks, and the small set of interfaces that
// let the higher-level packages (room, lock, dispatcher, transport) depend
// on each other's capabilities without import cycles.
package types

import (
	"context"
	"time"
)

// ConnectionIDType is a server-assigned opaque identifier for one WebSocket
// connection. A single user may hold several of these concurrently.
type ConnectionIDType string

// UserIDType identifies an authenticated user across all of their connections.
type UserIDType string

// RoomIDType is "{resourceType}:{uuid}".
type RoomIDType string

// LockKeyType is "{resourceType}:{uuid}:{subResourceId}".
type LockKeyType string

// AuthenticatedUser is the identity extracted from a verified bearer token.
// It is immutable for the lifetime of the connection it authenticated.
type AuthenticatedUser struct {
	UserID    UserIDType `json:"userId"`
	Username  string     `json:"username"`
	FirstName string     `json:"firstName,omitempty"`
	LastName  string     `json:"lastName,omitempty"`
	Email     string     `json:"email,omitempty"`
	Roles     []string   `json:"roles,omitempty"`
}

// ConnectionMetadata captures handshake-time transport details.
type ConnectionMetadata struct {
	RemoteAddr  string    `json:"remoteAddr"`
	UserAgent   string    `json:"userAgent"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// RoomMember is one connection's presence record within a room.
type RoomMember struct {
	ConnectionID       ConnectionIDType `json:"connectionId"`
	UserID             UserIDType       `json:"userId"`
	Username           string           `json:"username"`
	JoinedAt           time.Time        `json:"joinedAt"`
	CurrentSubResource *string          `json:"currentSubResource,omitempty"`
	LastActivity       time.Time        `json:"lastActivity"`
}

// Lock is the authoritative state of one exclusive sub-resource lease.
type Lock struct {
	LockKey            LockKeyType      `json:"-"`
	HolderUserID       UserIDType       `json:"holderUserId"`
	HolderUsername     string           `json:"holderUsername"`
	HolderConnectionID ConnectionIDType `json:"-"`
	LockedAt           time.Time        `json:"lockedAt"`
	ExpiresAt          time.Time        `json:"expiresAt"`
}

// ForceRequestState is the lifecycle state of a force-transfer request.
type ForceRequestState string

const (
	ForceRequestPending  ForceRequestState = "pending"
	ForceRequestApproved ForceRequestState = "approved"
	ForceRequestRejected ForceRequestState = "rejected"
	ForceRequestTimeout  ForceRequestState = "timeout"
)

// ForceRequest tracks one in-flight owner-approval round for a contested lock.
type ForceRequest struct {
	RequestID             string            `json:"requestId"`
	LockKey               LockKeyType       `json:"-"`
	RequesterConnectionID ConnectionIDType  `json:"-"`
	RequesterUserID       UserIDType        `json:"requesterUserId"`
	RequesterUsername     string            `json:"requesterUsername"`
	OwnerConnectionID     ConnectionIDType  `json:"-"`
	OwnerUserID           UserIDType        `json:"ownerUserId"`
	OwnerUsername         string            `json:"ownerUsername"`
	CreatedAt             time.Time         `json:"createdAt"`
	ExpiresAt             time.Time         `json:"expiresAt"`
	State                 ForceRequestState `json:"state"`
	Message               string            `json:"message,omitempty"`
}

// ConnectionSender is the capability a live connection exposes to the
// registries that need to push frames at it without depending on the
// transport implementation (websocket, in-memory test double, ...).
type ConnectionSender interface {
	ConnectionID() ConnectionIDType
	UserID() UserIDType
	Username() string
	Send(event string, payload any)
	Close()
}

// Broadcaster is the capability the room registry exposes to collaborators
// (lock manager, sweeper, resource-update bus) that need to reach a room's
// members without holding a direct reference to the registry's internals.
type Broadcaster interface {
	Broadcast(roomID RoomIDType, event string, payload any)
	BroadcastExcept(roomID RoomIDType, except ConnectionIDType, event string, payload any)
}

// Resource is the minimal shape the gateway needs from the external
// domain service that owns resource data (see ResourceValidator).
type Resource struct {
	ResourceType string `json:"resourceType"`
	UUID         string `json:"uuid"`
	Status       string `json:"status"`
}

// ResourceValidator is the capability port onto the external domain service
// that answers "does this resource exist, and is it open for collaboration?"
// The gateway depends on this interface, never on a concrete store.
type ResourceValidator interface {
	FindOne(ctx context.Context, resourceType, uuid string) (*Resource, error)
	IsResourceOpen(resource *Resource) bool
}

// resourceNotFoundError is returned by ResourceValidator.FindOne when the
// resource does not exist.
type resourceNotFoundError struct{}

func (resourceNotFoundError) Error() string { return "resource not found" }

// ErrResourceNotFound is the sentinel returned by ResourceValidator.FindOne.
var ErrResourceNotFound error = resourceNotFoundError{}
