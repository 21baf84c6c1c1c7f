package realtime

import (
	"sort"
	"sync"
	"time"
)

// ViewName enumerates the application views a member can have open.
type ViewName string

const (
	ViewToday    ViewName = "today"
	ViewPlanning ViewName = "planning"
	ViewSOPs     ViewName = "sops"
)

// EditingTargetType enumerates the entities an editing claim can point at.
type EditingTargetType string

const (
	EditingScheduleItem EditingTargetType = "schedule_item"
	EditingTimeBlock    EditingTargetType = "time_block"
	EditingTemplate     EditingTargetType = "template"
)

// EditingClaim is the advisory signal that a member is editing an entity.
// Multiple members may claim the same target; nothing is locked.
type EditingClaim struct {
	Type      EditingTargetType `json:"type"`
	ItemID    string            `json:"item_id"`
	ItemTitle string            `json:"item_title,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// PresenceRecord is the per-user presence payload broadcast over a family
// channel. Records are transient; they live only for the duration of the
// channel subscription.
type PresenceRecord struct {
	UserID          string        `json:"user_id"`
	UserName        string        `json:"user_name"`
	AvatarURL       string        `json:"avatar_url,omitempty"`
	CurrentView     ViewName      `json:"current_view"`
	CurrentActivity string        `json:"current_activity,omitempty"`
	LastSeen        time.Time     `json:"last_seen"`
	Editing         *EditingClaim `json:"is_editing,omitempty"`
	Online          bool          `json:"is_online"`
}

func (r PresenceRecord) clone() PresenceRecord {
	cloned := r
	if r.Editing != nil {
		claim := *r.Editing
		cloned.Editing = &claim
	}
	return cloned
}

// PresenceStore holds the last-known presence record per user for one family
// channel. Updates overwrite wholesale; arrival order is authoritative.
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]PresenceRecord
}

// NewPresenceStore constructs an empty presence store.
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{records: make(map[string]PresenceRecord)}
}

// Replace installs the complete presence set from a synchronized event,
// dropping whatever was held before. Entries without a usable payload are
// skipped rather than rejected.
func (s *PresenceStore) Replace(records map[string][]PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]PresenceRecord, len(records))
	for userID, payloads := range records {
		if userID == "" || len(payloads) == 0 {
			continue
		}
		record := payloads[0].clone()
		record.UserID = userID
		s.records[userID] = record
	}
}

// Update overwrites the record for the user and reports the previous record,
// if any. No field-level merging happens: the transport always sends full
// payloads, so a partial record cannot be received.
func (s *PresenceStore) Update(record PresenceRecord) (PresenceRecord, bool) {
	if record.UserID == "" {
		return PresenceRecord{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.records[record.UserID]
	s.records[record.UserID] = record.clone()
	return previous, existed
}

// SetOffline flags the user offline but keeps the record for last-seen
// display. The editing claim is dropped along with the online flag.
func (s *PresenceStore) SetOffline(userID string) (PresenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID]
	if !ok {
		return PresenceRecord{}, false
	}
	record.Online = false
	record.Editing = nil
	s.records[userID] = record
	return record.clone(), true
}

// Get returns the record held for the user.
func (s *PresenceStore) Get(userID string) (PresenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[userID]
	if !ok {
		return PresenceRecord{}, false
	}
	return record.clone(), true
}

// OnlineMembers returns every record flagged online, sorted by user id.
// Callers filter out the local user themselves.
func (s *PresenceStore) OnlineMembers() []PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]PresenceRecord, 0, len(s.records))
	for _, record := range s.records {
		if record.Online {
			members = append(members, record.clone())
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

// EditingUsers returns all online records claiming the given item.
func (s *PresenceStore) EditingUsers(itemID string) []PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	editors := make([]PresenceRecord, 0)
	for _, record := range s.records {
		if record.Online && record.Editing != nil && record.Editing.ItemID == itemID {
			editors = append(editors, record.clone())
		}
	}
	sort.Slice(editors, func(i, j int) bool { return editors[i].UserID < editors[j].UserID })
	return editors
}

// SetActivity annotates a user's current activity locally. The annotation is
// derived display state and is never re-broadcast; it is a no-op for users the
// store has not seen.
func (s *PresenceStore) SetActivity(userID, activity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID]
	if !ok {
		return
	}
	record.CurrentActivity = activity
	s.records[userID] = record
}

// Activities returns the derived activity strings keyed by user id.
func (s *PresenceStore) Activities() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	activities := make(map[string]string)
	for userID, record := range s.records {
		if record.CurrentActivity != "" {
			activities[userID] = record.CurrentActivity
		}
	}
	return activities
}

// Clear drops every record. Called on family switch, before the new channel's
// synchronized event repopulates the store.
func (s *PresenceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]PresenceRecord)
}
