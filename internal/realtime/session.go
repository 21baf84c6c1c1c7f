package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingHub  = errors.New("realtime: hub is required")
	errItemNotHeld = errors.New("realtime: item is not in the cached schedule")
)

// SessionConfig describes one client's attachment to a family channel.
type SessionConfig struct {
	Hub     *Hub
	Family  string
	Self    PresenceRecord
	Fetcher Fetcher
	Names   NameResolver
	Logger  *zap.Logger
	Clock   func() time.Time
	// ToastBuffer bounds the pending toast queue; zero selects the default.
	ToastBuffer int
	// PollInterval enables the coarse fallback refresh of every cached
	// aggregate. Zero disables polling.
	PollInterval time.Duration
}

// Session ties together the presence store, the reconciler, the notification
// dispatcher and the optimistic coordinator for one client on one family
// channel. All channel events are reduced on a single goroutine, so the
// stores only ever see one network-originated write at a time; local writes
// go through the stores' own locks.
//
// A session is bound to exactly one family. Switching families means closing
// the session and opening a new one, which clears all transient state before
// the new channel's synchronized event repopulates it.
type Session struct {
	familyID    string
	channel     *Channel
	presence    *PresenceStore
	reconciler  *Reconciler
	dispatcher  *Dispatcher
	notifier    *Notifier
	coordinator *Coordinator
	clock       func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	self      PresenceRecord
	closeOnce sync.Once
	done      chan struct{}
	pollStop  chan struct{}
}

// NewSession subscribes to the family channel, publishes the client's initial
// presence, and starts consuming events.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Self.UserID == "" {
		return nil, errMissingUserID
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	reconciler, err := NewReconciler(ReconcilerConfig{
		FamilyID: cfg.Family,
		Fetcher:  cfg.Fetcher,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	presence := NewPresenceStore()
	notifier := NewNotifier(cfg.ToastBuffer)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		LocalUserID: cfg.Self.UserID,
		Names:       cfg.Names,
		Toasts:      notifier,
		Presence:    presence,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	channel, err := cfg.Hub.Subscribe(cfg.Family, cfg.Self.UserID)
	if err != nil {
		return nil, err
	}

	self := cfg.Self
	if self.CurrentView == "" {
		self.CurrentView = ViewToday
	}
	self.Online = true
	self.LastSeen = clock().UTC()

	session := &Session{
		familyID:    cfg.Family,
		channel:     channel,
		presence:    presence,
		reconciler:  reconciler,
		dispatcher:  dispatcher,
		notifier:    notifier,
		coordinator: NewCoordinator(logger),
		clock:       clock,
		logger:      logger,
		self:        self,
		done:        make(chan struct{}),
	}

	channel.Track(self)
	go session.loop()
	if cfg.PollInterval > 0 {
		session.pollStop = make(chan struct{})
		go session.poll(cfg.PollInterval)
	}
	return session, nil
}

// poll is the coarse fallback refresh: between events, re-derive whatever is
// cached so a missed event cannot leave the client stale forever.
func (s *Session) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reconciler.Refresh(context.Background())
		case <-s.pollStop:
			return
		}
	}
}

// loop is the session's event turn: one channel event reduced at a time, the
// reconciler always running before the notification dispatcher so toasts
// describe state the cache already reflects.
func (s *Session) loop() {
	defer close(s.done)
	for event := range s.channel.Events() {
		switch typed := event.(type) {
		case PresenceSynced:
			s.presence.Replace(typed.Records)
		case PresenceJoined:
			previous, existed := s.presence.Update(typed.Record)
			s.dispatcher.PresenceJoined(typed.Record, existed && previous.Online)
		case PresenceLeft:
			s.presence.SetOffline(typed.Record.UserID)
			s.dispatcher.PresenceLeft(typed.Record)
		case RowChanged:
			s.reconciler.Apply(context.Background(), typed.Change)
			s.dispatcher.RowChanged(typed.Change)
		default:
			s.logger.Debug("unhandled realtime event", zap.String("event", fmt.Sprintf("%T", event)))
		}
	}
}

// FamilyID reports the family this session is bound to.
func (s *Session) FamilyID() string {
	return s.familyID
}

// Toasts exposes the session's notification stream.
func (s *Session) Toasts() <-chan Toast {
	return s.notifier.Toasts()
}

// OnlineMembers returns the family members currently flagged online.
func (s *Session) OnlineMembers() []PresenceRecord {
	return s.presence.OnlineMembers()
}

// EditingUsers returns the online members claiming the given item.
func (s *Session) EditingUsers(itemID string) []PresenceRecord {
	return s.presence.EditingUsers(itemID)
}

// CurrentActivities returns derived activity strings keyed by user id.
func (s *Session) CurrentActivities() map[string]string {
	return s.presence.Activities()
}

// Day returns the reconciled aggregate for the date, read-only.
func (s *Session) Day(date string) (*DaySchedule, bool) {
	return s.reconciler.Day(date)
}

// Templates returns the reconciled family template list, read-only.
func (s *Session) Templates() []TemplateView {
	return s.reconciler.Templates()
}

// LoadDay primes the schedule cache for a date.
func (s *Session) LoadDay(ctx context.Context, date string) error {
	return s.reconciler.LoadDay(ctx, date)
}

// LoadTemplates primes the template cache.
func (s *Session) LoadTemplates(ctx context.Context) error {
	return s.reconciler.LoadTemplates(ctx)
}

// SetView re-tracks presence with the newly observed view.
func (s *Session) SetView(view ViewName) {
	s.retrack(func(record *PresenceRecord) {
		record.CurrentView = view
	})
}

// SetActivity re-tracks presence with a new activity string.
func (s *Session) SetActivity(activity string) {
	s.retrack(func(record *PresenceRecord) {
		record.CurrentActivity = activity
	})
}

// StartEditing claims an editing target on this client's outgoing presence.
// A user holds at most one claim: a later claim replaces the earlier one.
func (s *Session) StartEditing(targetType EditingTargetType, itemID, itemTitle string) {
	startedAt := s.clock().UTC()
	s.retrack(func(record *PresenceRecord) {
		record.Editing = &EditingClaim{
			Type:      targetType,
			ItemID:    itemID,
			ItemTitle: itemTitle,
			StartedAt: startedAt,
		}
	})
}

// StopEditing releases the editing claim if it still points at the item.
func (s *Session) StopEditing(itemID string) {
	s.retrack(func(record *PresenceRecord) {
		if record.Editing != nil && record.Editing.ItemID == itemID {
			record.Editing = nil
		}
	})
}

func (s *Session) retrack(mutate func(*PresenceRecord)) {
	s.mu.Lock()
	mutate(&s.self)
	s.self.LastSeen = s.clock().UTC()
	snapshot := s.self.clone()
	s.mu.Unlock()
	s.channel.Track(snapshot)
}

// CompleteItem toggles an item's completion optimistically: the cache is
// patched immediately, the remote call settles in the background of the
// caller's turn, and a rejected call restores the pre-patch snapshot. The
// returned error is the remote failure, for toast display by the caller.
func (s *Session) CompleteItem(ctx context.Context, itemID string, completed bool, remote func(context.Context) error) error {
	snapshot, ok := s.reconciler.ItemSnapshot(itemID)
	if !ok {
		return errItemNotHeld
	}

	completedAt := ""
	completedBy := ""
	if completed {
		completedAt = s.clock().UTC().Format(time.RFC3339)
		completedBy = s.self.UserID
	}
	s.reconciler.PatchItemCompletion(itemID, completed, completedBy, completedAt)

	return s.coordinator.Run(ctx, ItemMutation{
		ItemID:   itemID,
		Original: snapshot,
		Remote:   remote,
		Rollback: func(original ScheduleItemView) {
			s.reconciler.RestoreItem(original)
		},
	})
}

// Close unsubscribes from the channel, invalidates the cache so in-flight
// refetches are discarded, and clears transient presence state. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.pollStop != nil {
			close(s.pollStop)
		}
		s.channel.Unsubscribe()
		s.reconciler.Invalidate()
		<-s.done
		s.presence.Clear()
	})
}
