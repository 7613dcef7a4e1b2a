package batch

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Record is the persisted row backing one BatchState. The full State is
// stored as a single JSON column (state_json) rather than normalized
// into columns: BatchState already is the unit of durability the spec
// describes (one logical record per batch id, "schema is the JSON of
// section 3"), and the orchestrator never queries into its internals at
// the SQL layer, only loads/stores it whole, mirroring how the teacher
// stores job_run.result as a datatypes.JSON blob.
type Record struct {
	BatchID   string         `gorm:"column:batch_id;type:text;primaryKey" json:"batch_id"`
	Status    string         `gorm:"column:status;not null;index" json:"status"`
	StateJSON datatypes.JSON `gorm:"column:state_json;type:jsonb;not null" json:"state_json"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null;default:now();index" json:"updated_at"`
}

func (Record) TableName() string { return "batch_state" }

// Encode serializes a State into the row it is persisted as.
func Encode(s *State) (Record, error) {
	s.Ensure()
	raw, err := json.Marshal(s)
	if err != nil {
		return Record{}, err
	}
	return Record{
		BatchID:   s.BatchID,
		Status:    string(s.Status),
		StateJSON: datatypes.JSON(raw),
		UpdatedAt: s.UpdatedAt,
	}, nil
}

// Decode reconstructs a State from its persisted row.
func Decode(r Record) (*State, error) {
	var s State
	if len(r.StateJSON) > 0 {
		if err := json.Unmarshal(r.StateJSON, &s); err != nil {
			return nil, err
		}
	}
	s.Ensure()
	return &s, nil
}
