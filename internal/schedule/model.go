package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidFamilyID indicates that a family identifier is empty or exceeds storage bounds.
	ErrInvalidFamilyID = errors.New("schedule: invalid family id")
	// ErrInvalidDate indicates that a schedule date is not an ISO calendar date.
	ErrInvalidDate = errors.New("schedule: invalid date")
)

// FamilyID represents a validated family identifier.
type FamilyID string

// NewFamilyID validates raw input and returns a FamilyID.
func NewFamilyID(rawInput string) (FamilyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFamilyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFamilyID, maxIdentifierLength)
	}
	return FamilyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FamilyID) String() string {
	return string(id)
}

// Date represents a validated schedule day in ISO form (YYYY-MM-DD).
type Date string

// NewDate validates raw input and returns a Date.
func NewDate(rawInput string) (Date, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := time.Parse("2006-01-02", trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return Date(trimmed), nil
}

// String returns the underlying date string.
func (d Date) String() string {
	return string(d)
}

// Schedule is one family day. Time blocks hang off it.
type Schedule struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID  string    `gorm:"column:family_id;size:190;not null;index:idx_schedules_family_date,priority:1"`
	Date      string    `gorm:"column:date;size:10;not null;index:idx_schedules_family_date,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Schedule) TableName() string {
	return "schedules"
}

// TimeBlock is a contiguous span of a schedule, ordered by start time.
type TimeBlock struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	ScheduleID    string    `gorm:"column:schedule_id;size:190;not null;index"`
	Title         string    `gorm:"column:title;size:320;not null"`
	StartTime     string    `gorm:"column:start_time;size:5;not null"`
	EndTime       string    `gorm:"column:end_time;size:5;not null"`
	OrderPosition int       `gorm:"column:order_position;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TimeBlock) TableName() string {
	return "time_blocks"
}

// ScheduleItem is one actionable entry inside a time block.
type ScheduleItem struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	TimeBlockID   string     `gorm:"column:time_block_id;size:190;not null;index"`
	Title         string     `gorm:"column:title;size:320;not null"`
	OrderPosition int        `gorm:"column:order_position;not null;default:0"`
	Completed     bool       `gorm:"column:completed;not null;default:false"`
	CompletedBy   string     `gorm:"column:completed_by;size:190"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	CreatedBy     string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduleItem) TableName() string {
	return "schedule_items"
}

// Template is a family-scoped reusable checklist.
type Template struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID    string    `gorm:"column:family_id;size:190;not null;index"`
	Title       string    `gorm:"column:title;size:320;not null"`
	Description string    `gorm:"column:description;type:text"`
	StepTitles  string    `gorm:"column:step_titles;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Template) TableName() string {
	return "templates"
}

// TemplateInstance attaches a checklist template to one schedule item.
type TemplateInstance struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	ScheduleItemID string    `gorm:"column:schedule_item_id;size:190;not null;uniqueIndex"`
	TemplateID     string    `gorm:"column:template_id;size:190;not null;index"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TemplateInstance) TableName() string {
	return "template_instances"
}

// TemplateInstanceStep is one checklist step of a template instance.
type TemplateInstanceStep struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	InstanceID    string    `gorm:"column:instance_id;size:190;not null;index"`
	Title         string    `gorm:"column:title;size:320;not null"`
	OrderPosition int       `gorm:"column:order_position;not null;default:0"`
	Completed     bool      `gorm:"column:completed;not null;default:false"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TemplateInstanceStep) TableName() string {
	return "template_instance_steps"
}
