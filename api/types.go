package api

import "time"

// Parallelism controls how many actions may be active on a service at once.
type Parallelism string

const (
	// ParallelismSingle allows one active action; further creates are rejected.
	ParallelismSingle Parallelism = "single"
	// ParallelismReplaceable cancels the most recent active action before creating a new one.
	ParallelismReplaceable Parallelism = "replaceable"
	// ParallelismMultiple places no limit on active actions.
	ParallelismMultiple Parallelism = "multiple"
)

// Valid reports whether p is a known parallelism policy.
func (p Parallelism) Valid() bool {
	switch p {
	case ParallelismSingle, ParallelismReplaceable, ParallelismMultiple:
		return true
	}
	return false
}

// ServiceType classifies a registered service.
type ServiceType string

const (
	// ServiceTypeProducer marks services that produce data for others.
	ServiceTypeProducer ServiceType = "producer"
	// ServiceTypeConsumer marks services that consume data from a parent.
	ServiceTypeConsumer ServiceType = "consumer"
)

// Valid reports whether t is a known service type.
func (t ServiceType) Valid() bool {
	return t == ServiceTypeProducer || t == ServiceTypeConsumer
}

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	// ActionStatusActive marks an in-flight action.
	ActionStatusActive ActionStatus = "active"
	// ActionStatusCompleted marks a successfully finished action.
	ActionStatusCompleted ActionStatus = "completed"
	// ActionStatusFailed marks an action that finished with an error.
	ActionStatusFailed ActionStatus = "failed"
	// ActionStatusCanceled marks an action closed without finishing.
	ActionStatusCanceled ActionStatus = "canceled"
)

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionStatusActive, ActionStatusCompleted, ActionStatusFailed, ActionStatusCanceled:
		return true
	}
	return false
}

// Closed reports whether s is terminal.
func (s ActionStatus) Closed() bool {
	switch s {
	case ActionStatusCompleted, ActionStatusFailed, ActionStatusCanceled:
		return true
	}
	return false
}

// SortOrder orders action listings by creation time.
type SortOrder string

const (
	// SortAsc lists the oldest actions first.
	SortAsc SortOrder = "asc"
	// SortDesc lists the newest actions first.
	SortDesc SortOrder = "desc"
)

// Blockee references a service that must be quiescent before its blocker proceeds.
type Blockee struct {
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
}

// ServiceDetail is the registry view of a service returned by GET /service/{id}.
type ServiceDetail struct {
	NamespaceID     int64       `json:"namespaceId"`
	NamespaceName   string      `json:"namespaceName"`
	ServiceID       string      `json:"serviceId"`
	ServiceName     string      `json:"serviceName"`
	ServiceType     ServiceType `json:"serviceType"`
	Parallelism     Parallelism `json:"parallelism"`
	ServiceRotation int64       `json:"serviceRotation"`
	ParentRotation  *int64      `json:"parentRotation"`
	Parent          *string     `json:"parent"`
	Children        []string    `json:"children"`
	Blockees        []Blockee   `json:"blockees"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// LockRequest models the JSON payload for POST /lock.
type LockRequest struct {
	// Services lists the service ids covered by the lock.
	Services []string `json:"services"`
	// Expiration is the lock lifetime in milliseconds; zero or absent never expires.
	Expiration int64 `json:"expiration,omitempty"`
	// Reason is a free-form note stored with the lock.
	Reason string `json:"reason,omitempty"`
}

// LockResponse identifies a created lock.
type LockResponse struct {
	LockID string `json:"lockId"`
}

// Lock is a stored advisory lock over a set of services.
type Lock struct {
	LockID     string     `json:"lockId"`
	ServiceIDs []string   `json:"serviceIds"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Action is a tracked unit of work performed by an external service.
type Action struct {
	ActionID        string         `json:"actionId"`
	ServiceID       string         `json:"serviceId"`
	NamespaceID     int64          `json:"namespaceId"`
	State           int64          `json:"state"`
	ServiceRotation int64          `json:"serviceRotation"`
	ParentRotation  *int64         `json:"parentRotation"`
	Status          ActionStatus   `json:"status"`
	Metadata        map[string]any `json:"metadata"`
	ClosedAt        *time.Time     `json:"closedAt"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// ActionRequest models the JSON payload for POST /action.
type ActionRequest struct {
	ServiceID   string         `json:"serviceId"`
	State       int64          `json:"state"`
	NamespaceID int64          `json:"namespaceId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ActionResponse identifies a created action.
type ActionResponse struct {
	ActionID string `json:"actionId"`
}

// ActionPatch models the JSON payload for PATCH /action/{id}.
type ActionPatch struct {
	Status   ActionStatus   `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionFilter selects actions for GET /action. Every field is optional and
// the set fields are combined with AND.
type ActionFilter struct {
	Service        string         `json:"service,omitempty"`
	Rotation       *int64         `json:"rotation,omitempty"`
	ParentRotation *int64         `json:"parentRotation,omitempty"`
	Status         []ActionStatus `json:"status,omitempty"`
	// Limit caps the number of rows; zero means no cap.
	Limit int       `json:"limit,omitempty"`
	Sort  SortOrder `json:"sort,omitempty"`
}

// RotateRequest models the optional JSON payload for POST /service/{id}/rotate.
type RotateRequest struct {
	Description string `json:"description,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
