package dispatcher

import "time"

// roomJoinPayload is room:join's inbound shape.
type roomJoinPayload struct {
	RoomID string `json:"roomId"`
}

// roomLeavePayload is room:leave's inbound shape.
type roomLeavePayload struct {
	RoomID string `json:"roomId"`
}

// roomQueryUsersPayload is room:query_users's inbound shape.
type roomQueryUsersPayload struct {
	RoomID string `json:"roomId"`
}

// presenceSetSubResourcePayload is presence:set_current_subresource's
// inbound shape. SubResourceType is nullable.
type presenceSetSubResourcePayload struct {
	RoomID          string  `json:"roomId"`
	SubResourceType *string `json:"subResourceType"`
}

// resourceJoinPayload is resource:join's inbound shape.
type resourceJoinPayload struct {
	ResourceType         string  `json:"resourceType"`
	ResourceUUID         string  `json:"resourceUuid"`
	InitialSubResourceID *string `json:"initialSubResourceId,omitempty"`
}

// resourceLeavePayload is resource:leave's inbound shape.
type resourceLeavePayload struct {
	ResourceType string `json:"resourceType"`
	ResourceUUID string `json:"resourceUuid"`
}

// subResourceLockPayload covers resource:subresource_lock and
// resource:subresource_unlock, which share a shape.
type subResourceLockPayload struct {
	ResourceType  string `json:"resourceType"`
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
}

// forceRequestPayload is resource:subresource_lock:force_request's inbound
// shape.
type forceRequestPayload struct {
	ResourceType  string `json:"resourceType"`
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
	Message       string `json:"message,omitempty"`
}

// forceResponsePayload is resource:subresource_lock:force_response's inbound
// shape.
type forceResponsePayload struct {
	ResourceType  string `json:"resourceType"`
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
	RequestID     string `json:"requestId"`
	Approved      bool   `json:"approved"`
	Message       string `json:"message,omitempty"`
}

// lockExtendPayload is lock:extend's inbound shape.
type lockExtendPayload struct {
	ResourceType  string `json:"resourceType"`
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
}

// heartbeatPayload is user:heartbeat's inbound shape; lastActivity defaults
// to server time when omitted.
type heartbeatPayload struct {
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// legacy "surgery:*" alias payloads: resourceType is always
// implicitly "surgery-management", the only resourceType the legacy events
// ever addressed.
type surgeryJoinPayload struct {
	ResourceUUID         string  `json:"resourceUuid"`
	InitialSubResourceID *string `json:"initialSubResourceId,omitempty"`
}

type surgeryLeavePayload struct {
	ResourceUUID string `json:"resourceUuid"`
}

type surgeryLockPayload struct {
	ResourceUUID  string `json:"resourceUuid"`
	SubResourceID string `json:"subResourceId"`
}

const legacySurgeryResourceType = "surgery-management"
