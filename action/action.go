package action

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ParameterType enumerates the value types an action parameter can declare
type ParameterType string

// define the valid parameter types
const (
	TypeString  ParameterType = "string"
	TypeNumber  ParameterType = "number"
	TypeBoolean ParameterType = "boolean"
	TypePlayer  ParameterType = "player"
	TypePlace   ParameterType = "place"
)

// Parameter is one declared parameter of an action contract
type Parameter struct {
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Required bool          `json:"required,omitempty"`
	Default  interface{}   `json:"default,omitempty"`
}

// Parameters is the ordered parameter list, stored as a JSONB column
type Parameters []Parameter

func (p *Parameters) Scan(value interface{}) error {
	var bytes []byte
	// postgres hands back []byte, sqlite hands back string
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("Failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*p = make(Parameters, 0)
		return nil
	}
	return json.Unmarshal(bytes, p)
}

func (p Parameters) Value() (driver.Value, error) {
	if p == nil {
		p = make(Parameters, 0)
	}
	return json.Marshal(p)
}

func (Parameters) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Equal reports structural equality over the full ordered list, including
// types, required flags and defaults. Two servers announcing textually
// identical schemas must converge on one definition, so same name alone is
// not enough.
func (p Parameters) Equal(other Parameters) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		a, b := p[i], other[i]
		if a.Name != b.Name || a.Type != b.Type || a.Required != b.Required {
			return false
		}
		if !reflect.DeepEqual(a.Default, b.Default) {
			return false
		}
	}
	return true
}

// Definition is a named remote command contract. Definitions are never
// deleted, only deactivated when a structurally different schema takes over
// the name.
type Definition struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	GameID        int64      `json:"gameId" gorm:"index"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Parameters    Parameters `json:"parameters" gorm:"type:jsonb"`
	Active        bool       `json:"active"`
	FirstServerID string     `json:"firstServerId"`
	CreatedAt     time.Time  `json:"created"`
}

func (Definition) TableName() string {
	return "game_actions"
}

// PlayerParameter returns the first declared parameter of type player, or nil
func (d *Definition) PlayerParameter() *Parameter {
	for i := range d.Parameters {
		if d.Parameters[i].Type == TypePlayer {
			return &d.Parameters[i]
		}
	}
	return nil
}

// ServerLink attaches a currently live server to a definition it supports
type ServerLink struct {
	GameID   int64  `json:"gameId" gorm:"primaryKey"`
	ActionID string `json:"actionId" gorm:"primaryKey"`
	ServerID string `json:"serverId" gorm:"primaryKey"`
}

func (ServerLink) TableName() string {
	return "game_action_servers"
}

// Status is the execution lifecycle state
type Status string

// Pending -> Running (informational) -> Completed | Failed.
// Stalled is never stored: it is a read-time reclassification of old Pending
// executions.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStalled   Status = "stalled"
)

// StalledWindow is how long an execution may sit Pending before readers see
// it as Stalled
const StalledWindow = time.Hour

// ExecutionParameters is the validated parameter map, stored as JSONB
type ExecutionParameters map[string]interface{}

func (p *ExecutionParameters) Scan(value interface{}) error {
	var bytes []byte
	// postgres hands back []byte, sqlite hands back string
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("Failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*p = make(ExecutionParameters)
		return nil
	}
	return json.Unmarshal(bytes, p)
}

func (p ExecutionParameters) Value() (driver.Value, error) {
	if p == nil {
		p = make(ExecutionParameters)
	}
	return json.Marshal(p)
}

func (ExecutionParameters) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Execution is one async invocation of an action
type Execution struct {
	ID         string              `json:"id" gorm:"primaryKey"`
	GameID     int64               `json:"gameId" gorm:"index"`
	ActionID   string              `json:"actionId" gorm:"index"`
	ActionName string              `json:"action" gorm:"column:action"`
	Status     Status              `json:"status"`
	ServerID   string              `json:"serverId,omitempty"`
	Parameters ExecutionParameters `json:"parameters" gorm:"type:jsonb"`
	Output     json.RawMessage     `json:"output,omitempty"`
	Error      json.RawMessage     `json:"error,omitempty"`
	UserID     string              `json:"userId,omitempty"`
	UserName   string              `json:"userName,omitempty"`
	CreatedAt  time.Time           `json:"created"`
}

func (Execution) TableName() string {
	return "game_action_executions"
}

// DisplayStatus applies the staleness reclassification: an execution still
// Pending past the window reads as Stalled without any write. A genuine
// result arriving later still lands, because storage keeps it Pending.
func (e *Execution) DisplayStatus(now time.Time) Status {
	if e.Status == StatusPending && now.Sub(e.CreatedAt) > StalledWindow {
		return StatusStalled
	}
	return e.Status
}
