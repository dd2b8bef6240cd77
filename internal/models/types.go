package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Platform identifies an external work platform a content item or
// destination belongs to. Closed set: adding a platform means handling
// it in every switch that consumes this type.
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformGmail    Platform = "gmail"
	PlatformDrive    Platform = "gdrive"
	PlatformCalendar Platform = "gcal"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformSlack, PlatformGmail, PlatformDrive, PlatformCalendar:
		return true
	}
	return false
}

// SignalType identifies a derived trigger condition computed by the
// external analyzer. Each type has its own dedup window and reference key.
type SignalType string

const (
	SignalMeetingPrep   SignalType = "meeting_prep"   // keyed by calendar event id
	SignalThreadSilence SignalType = "thread_silence" // keyed by thread id
	SignalContactDrift  SignalType = "contact_drift"  // keyed by contact id
)

func (s SignalType) Valid() bool {
	switch s {
	case SignalMeetingPrep, SignalThreadSilence, SignalContactDrift:
		return true
	}
	return false
}

// JSONMap stores opaque key/value payloads (signal evidence, destination
// options) as a jsonb column.
type JSONMap map[string]interface{}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
