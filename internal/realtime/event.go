package realtime

// TableName identifies a watched row-store table.
type TableName string

const (
	TableSchedules             TableName = "schedules"
	TableTimeBlocks            TableName = "time_blocks"
	TableScheduleItems         TableName = "schedule_items"
	TableTemplates             TableName = "templates"
	TableTemplateInstances     TableName = "template_instances"
	TableTemplateInstanceSteps TableName = "template_instance_steps"
)

// ChangeType enumerates row mutation kinds as delivered by the store.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Row is the flat wire snapshot of a row from any watched table. Fields that
// do not apply to a given table are left at their zero value. Date always
// names the owning schedule day so structural changes can be resolved to a
// refetch target without a lookup.
type Row struct {
	ID            string `json:"id"`
	FamilyID      string `json:"family_id,omitempty"`
	ScheduleID    string `json:"schedule_id,omitempty"`
	TimeBlockID   string `json:"time_block_id,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	Date          string `json:"date,omitempty"`
	Title         string `json:"title,omitempty"`
	StartTime     string `json:"start_time,omitempty"`
	EndTime       string `json:"end_time,omitempty"`
	OrderPosition int    `json:"order_position,omitempty"`
	Completed     bool   `json:"completed,omitempty"`
	CompletedBy   string `json:"completed_by,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	CreatedBy     string `json:"created_by,omitempty"`
}

// RowChangeEvent describes one committed mutation. It is consumed once by the
// reconciler and the notification dispatcher and then discarded.
type RowChangeEvent struct {
	Type  ChangeType `json:"event_type"`
	Table TableName  `json:"table"`
	New   *Row       `json:"new_row,omitempty"`
	Old   *Row       `json:"old_row,omitempty"`
}

// row returns the snapshot that identifies the affected row: the new row when
// present, otherwise the old one.
func (e RowChangeEvent) row() *Row {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// Event is the typed union delivered on a channel subscription. Every handler
// concern (presence stores, reconciler, notifications) reduces this union in
// a single entry point instead of registering per-event callbacks.
type Event interface {
	isEvent()
}

// PresenceSynced carries the complete presence set for the channel, keyed by
// user id. Each value is a non-empty list ordered most-recent-first; consumers
// use the first element.
type PresenceSynced struct {
	Records map[string][]PresenceRecord
}

// PresenceJoined carries the presence payload of a user that joined or
// re-tracked its presence on the channel.
type PresenceJoined struct {
	Record PresenceRecord
}

// PresenceLeft carries the last known payload of a user whose final
// subscription on the channel was torn down.
type PresenceLeft struct {
	Record PresenceRecord
}

// RowChanged wraps a row-change event for delivery on the channel.
type RowChanged struct {
	Change RowChangeEvent
}

func (PresenceSynced) isEvent() {}
func (PresenceJoined) isEvent() {}
func (PresenceLeft) isEvent()   {}
func (RowChanged) isEvent()     {}
