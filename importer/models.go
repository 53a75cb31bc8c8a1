package importer

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type BatchStatus string

const (
	BatchStaged    BatchStatus = "staged"
	BatchCommitted BatchStatus = "committed"
	BatchDiscarded BatchStatus = "discarded"
)

type RunStatus string

const (
	// RunInProgress is never a terminal state; a run leaves it through FinishRun.
	RunInProgress RunStatus = "in_progress"
	RunCommitted  RunStatus = "committed"
	RunRolledBack RunStatus = "rolled_back"
	RunFailed     RunStatus = "failed"
)

type AllocationStatus string

const (
	AllocationActive AllocationStatus = "active"
	AllocationDraft  AllocationStatus = "draft"
)

type ImportBatch struct {
	ID            uint        `gorm:"primaryKey" json:"batch_id"`
	CreatedAt     time.Time   `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Status        BatchStatus `gorm:"index;size:16;not null;default:'staged'" json:"status"`
	Source        string      `gorm:"size:512" json:"source,omitempty"`
	ContentSHA256 string      `gorm:"column:content_sha256;index;size:64" json:"content_sha256,omitempty"`
	RowCount      int         `gorm:"not null;default:0" json:"row_count"`
	// Issues caches the last ComputeIssues result as JSON.
	Issues datatypes.JSON `json:"issues"`
}

func (ImportBatch) TableName() string { return "import_batch" }

// StagedRow is one parsed input record. Every domain field is nullable because the
// spreadsheet may leave any cell empty.
type StagedRow struct {
	ID                  uint    `gorm:"primaryKey" json:"id"`
	BatchID             uint    `gorm:"index;not null" json:"batch_id"`
	SourceLine          int     `json:"source_line,omitempty"`
	UnitCode            *string `gorm:"size:32" json:"unit_code"`
	ActivityName        *string `gorm:"size:255" json:"activity_name"`
	ActivityDate        *string `gorm:"size:32" json:"activity_date"`
	ActivityStart       *string `gorm:"size:16" json:"activity_start"`
	ActivityEnd         *string `gorm:"size:16" json:"activity_end"`
	StaffID             *string `gorm:"size:64" json:"staff_id"`
	StaffName           *string `gorm:"size:255" json:"staff_name"`
	ActivityType        *string `gorm:"size:64" json:"activity_type"`
	ActivityDescription *string `gorm:"type:text" json:"activity_description"`
	UnitsHours          *string `gorm:"size:32" json:"units_hours"`

	Batch *ImportBatch `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"-"`
}

func (StagedRow) TableName() string { return "staged_row" }

type ImportRun struct {
	ID             uint           `gorm:"primaryKey" json:"run_id"`
	BatchID        uint           `gorm:"index;not null" json:"batch_id"`
	StartedAt      time.Time      `gorm:"index" json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Status         RunStatus      `gorm:"index;size:16;not null" json:"status"`
	Counts         datatypes.JSON `json:"counts"`
	RollbackCounts datatypes.JSON `json:"rollback_counts,omitempty"`
	RolledBackAt   *time.Time     `json:"rolled_back_at,omitempty"`
	Error          string         `gorm:"type:text" json:"error,omitempty"`

	Batch *ImportBatch `gorm:"foreignKey:BatchID" json:"-"`
}

func (ImportRun) TableName() string { return "import_run" }

// UnitOffering and Tutor are reference data owned by the surrounding application.
// They only exist here so the natural-key resolver has something to read.
type UnitOffering struct {
	ID       uint   `gorm:"primaryKey"`
	UnitCode string `gorm:"uniqueIndex;size:32;not null"`
	Term     string `gorm:"size:32"`
}

func (UnitOffering) TableName() string { return "unit_offering" }

type Tutor struct {
	UserID  uint   `gorm:"primaryKey;column:user_id"`
	StaffID string `gorm:"uniqueIndex;size:64;not null"`
	Name    string `gorm:"size:255"`
}

func (Tutor) TableName() string { return "tutor" }

type TeachingActivity struct {
	ID             uint   `gorm:"primaryKey"`
	UnitOfferingID uint   `gorm:"index:idx_activity_key;not null"`
	ActivityType   string `gorm:"index:idx_activity_key;size:64;not null;default:''"`
	ActivityName   string `gorm:"index:idx_activity_key;size:255;not null"`
	Description    string `gorm:"type:text"`
	CreatedAt      time.Time
	// CreatedByRunID is set only on rows inserted by a commit; reused rows keep their creator.
	CreatedByRunID *uint `gorm:"index"`

	UnitOffering *UnitOffering `gorm:"foreignKey:UnitOfferingID"`
	CreatedByRun *ImportRun    `gorm:"foreignKey:CreatedByRunID"`
}

func (TeachingActivity) TableName() string { return "teaching_activity" }

type SessionOccurrence struct {
	ID             uint            `gorm:"primaryKey"`
	ActivityID     uint            `gorm:"index:idx_occurrence_key;not null"`
	SessionDate    datatypes.Date  `gorm:"index:idx_occurrence_key;not null"`
	StartTime      *datatypes.Time `gorm:"index:idx_occurrence_key"`
	EndTime        *datatypes.Time `gorm:"index:idx_occurrence_key"`
	CreatedAt      time.Time
	CreatedByRunID *uint `gorm:"index"`

	Activity     *TeachingActivity `gorm:"foreignKey:ActivityID"`
	CreatedByRun *ImportRun        `gorm:"foreignKey:CreatedByRunID"`
}

func (SessionOccurrence) TableName() string { return "session_occurrence" }

type Allocation struct {
	ID                  uint                `gorm:"primaryKey"`
	SessionOccurrenceID uint                `gorm:"index;not null"`
	UserID              *uint               `gorm:"index"`
	StaffID             string              `gorm:"index;size:64;not null;default:''"`
	StaffName           string              `gorm:"size:255"`
	Hours               decimal.NullDecimal `gorm:"type:numeric(8,2)"`
	Status              AllocationStatus    `gorm:"size:16;not null"`
	CreatedAt           time.Time
	CreatedByRunID      *uint `gorm:"index"`

	SessionOccurrence *SessionOccurrence `gorm:"foreignKey:SessionOccurrenceID"`
	CreatedByRun      *ImportRun         `gorm:"foreignKey:CreatedByRunID"`
}

func (Allocation) TableName() string { return "allocation" }

// Counts is the per-entity insert tally persisted on ImportRun.Counts.
type Counts struct {
	TeachingActivity  int `json:"teaching_activity"`
	SessionOccurrence int `json:"session_occurrence"`
	Allocation        int `json:"allocation"`
}

// DeletedCounts is the per-entity delete tally of a rollback.
type DeletedCounts struct {
	Teach int64 `json:"d_teach"`
	Sess  int64 `json:"d_sess"`
	Alloc int64 `json:"d_alloc"`
}
