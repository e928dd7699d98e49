package models

import "time"

type ResourceType string

const (
	ResourceUserData       ResourceType = "user_data"
	ResourceKVStore        ResourceType = "kv_store"
	ResourceConfiguration  ResourceType = "configuration"
	ResourceExecutableCode ResourceType = "executable_code"
	ResourceContent        ResourceType = "content"
)

type ChangeType string

const (
	ChangeAdded      ChangeType = "added"
	ChangeModified   ChangeType = "modified"
	ChangeDeleted    ChangeType = "deleted"
	ChangeSuspicious ChangeType = "suspicious"
)

type ResourceSnapshot struct {
	ResourceID   string         `json:"resource_id"`
	ResourceType ResourceType   `json:"resource_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Checksum     string         `json:"checksum"`
	ByteSize     int64          `json:"byte_size"`
	Metadata     map[string]int `json:"metadata,omitempty"`
}

type IntegrityChange struct {
	ID            string         `json:"id"`
	ResourceID    string         `json:"resource_id"`
	ResourceType  ResourceType   `json:"resource_type"`
	DetectedAt    time.Time      `json:"detected_at"`
	ChangeType    ChangeType     `json:"change_type"`
	Severity      Severity       `json:"severity"`
	Authorized    bool           `json:"authorized"`
	OldChecksum   string         `json:"old_checksum"`
	NewChecksum   string         `json:"new_checksum"`
	OldSize       int64          `json:"old_size"`
	NewSize       int64          `json:"new_size"`
	SizeDelta     int64          `json:"size_delta"`
	DeltaPercent  float64        `json:"delta_percent"`
	MetadataDelta map[string]int `json:"metadata_delta,omitempty"`
}
