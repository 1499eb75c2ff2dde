package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// Integration kinds. Socket-backed instances own a live transport whose
// readiness can be verified; cloud-API instances have nothing to probe.
const (
	IntegrationSocket   = "whatsapp-socket"
	IntegrationCloudAPI = "whatsapp-cloud-api"
)

// Connection statuses persisted on the instance record.
const (
	StatusClosed     = "closed"
	StatusConnecting = "connecting"
	StatusOpen       = "open"
)

// Instance is the durable projection of one managed session.
type Instance struct {
	data.BaseModel
	Name            string `gorm:"type:varchar(100);index:idx_instance_namespace_name,unique"`
	ClientNamespace string `gorm:"type:varchar(100);index:idx_instance_namespace_name,unique"`
	IntegrationKind string `gorm:"type:varchar(50)"`
	Token           string `gorm:"type:varchar(255)"`
	OwnerJID        string `gorm:"type:varchar(100)"`
	ProfileName     string
	ProfilePicURL   string
	PhoneNumber     string `gorm:"type:varchar(50)"`
	ConnectionState string `gorm:"type:varchar(20);index:idx_instance_connection_state"`
	StateReason     string
	StateChangedAt  time.Time
	LastSeenAt      time.Time
	Properties      data.JSONMap
}

// HasTransportSocket reports whether this integration kind carries a
// transport-level socket worth verifying.
func (i *Instance) HasTransportSocket() bool {
	return i.IntegrationKind == IntegrationSocket
}

// Webhook is the per-instance webhook configuration restored alongside the
// base identity on durable-tier recovery.
type Webhook struct {
	data.BaseModel
	InstanceID string `gorm:"type:varchar(50);index:idx_webhook_instance_id"`
	URL        string
	Enabled    bool
	Events     data.JSONMap
	Headers    data.JSONMap
}

// Proxy is the per-instance outbound proxy configuration.
type Proxy struct {
	data.BaseModel
	InstanceID string `gorm:"type:varchar(50);index:idx_proxy_instance_id"`
	Host       string `gorm:"type:varchar(255)"`
	Port       string `gorm:"type:varchar(10)"`
	Protocol   string `gorm:"type:varchar(10)"`
	Username   string
	Password   string
	Enabled    bool
}

// Setting holds per-instance account behaviour toggles.
type Setting struct {
	data.BaseModel
	InstanceID      string `gorm:"type:varchar(50);index:idx_setting_instance_id"`
	RejectCalls     bool
	GroupsIgnored   bool
	AlwaysOnline    bool
	ReadMessages    bool
	ReadStatus      bool
	SyncFullHistory bool
}
