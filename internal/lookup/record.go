package lookup

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSwitchInFlight = errors.New("another datasource switch is in progress")
	ErrNotConnected   = errors.New("not connected")
)

// Provenance values stamped onto records at read time. They are never
// persisted; they only report which store answered a fetch.
const (
	SourceCache      = "cache"
	SourceRelational = "relational"
)

// UserRecord is the entity this service resolves. UserID is externally
// assigned and unique across both stores.
type UserRecord struct {
	UserID        int64  `json:"user_id"`
	ConsumerToken string `json:"consumer_token,omitempty"`
	Platform      string `json:"platform"`
	DeviceID      string `json:"device_id"`
	Source        string `json:"source,omitempty"`
}
