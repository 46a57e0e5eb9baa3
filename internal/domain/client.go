package domain

import "time"

type DeviceInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	OS         string `json:"os"`
	AppVersion string `json:"app_version"`
}

type Client struct {
	ClientID     string     `json:"client_id"`
	UserID       string     `json:"user_id"`
	BusinessID   string     `json:"business_id"`
	Device       DeviceInfo `json:"device"`
	PushToken    string     `json:"push_token,omitempty"`
	LastSyncAt   time.Time  `json:"last_sync_at"`
	LastAckedSeq int64      `json:"last_acked_seq"`
	RegisteredAt time.Time  `json:"registered_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type RegisterClientRequest struct {
	ClientID  string     `json:"client_id" validate:"required,max=128"`
	UserID    string     `json:"-"`
	Device    DeviceInfo `json:"device"`
	PushToken string     `json:"push_token" validate:"max=512"`
}

// EntityKey identifies an entity within a business.
type EntityKey struct {
	EntityType string
	EntityID   string
}

func (k EntityKey) String() string {
	return k.EntityType + "/" + k.EntityID
}
