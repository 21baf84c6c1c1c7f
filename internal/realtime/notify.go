package realtime

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ToastType classifies a notification for presentation.
type ToastType string

const (
	ToastSuccess ToastType = "success"
	ToastInfo    ToastType = "info"
	ToastWarning ToastType = "warning"
	ToastError   ToastType = "error"
)

const defaultToastDuration = 5 * time.Second

// ToastAction is an optional action offered on a toast.
type ToastAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Toast is a fire-and-forget UI notification. Dropping one is not a
// correctness failure; there is no acknowledgement or replay.
type Toast struct {
	Type     ToastType     `json:"type"`
	Title    string        `json:"title"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Actions  []ToastAction `json:"actions,omitempty"`
}

// Notifier is the toast emission surface exposed to the UI layer. Emission is
// non-blocking; when the consumer lags, toasts are dropped.
type Notifier struct {
	out chan Toast
}

// NewNotifier constructs a notifier with the given buffer size.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{out: make(chan Toast, buffer)}
}

// Toasts exposes the emitted toast stream.
func (n *Notifier) Toasts() <-chan Toast {
	return n.out
}

// Publish emits a toast, reporting whether it was accepted.
func (n *Notifier) Publish(toast Toast) bool {
	if toast.Duration == 0 {
		toast.Duration = defaultToastDuration
	}
	select {
	case n.out <- toast:
		return true
	default:
		return false
	}
}

// Success emits a success-class toast.
func (n *Notifier) Success(title, message string) bool {
	return n.Publish(Toast{Type: ToastSuccess, Title: title, Message: message})
}

// Info emits an info-class toast.
func (n *Notifier) Info(title, message string) bool {
	return n.Publish(Toast{Type: ToastInfo, Title: title, Message: message})
}

// Warning emits a warning-class toast.
func (n *Notifier) Warning(title, message string) bool {
	return n.Publish(Toast{Type: ToastWarning, Title: title, Message: message})
}

// Error emits an error-class toast.
func (n *Notifier) Error(title, message string) bool {
	return n.Publish(Toast{Type: ToastError, Title: title, Message: message})
}

// FamilyMemberAction emits the domain toast for another member's action,
// e.g. "Dana completed \"Pack lunches\"".
func (n *Notifier) FamilyMemberAction(toastType ToastType, actor, action, itemTitle string) bool {
	return n.Publish(Toast{
		Type:    toastType,
		Title:   fmt.Sprintf("%s %s %q", actor, action, itemTitle),
		Message: "",
	})
}

// NameResolver resolves a user id to a display name from the locally cached
// family member list.
type NameResolver interface {
	DisplayName(userID string) (string, bool)
}

const fallbackActorName = "A family member"

// Dispatcher derives user-facing toasts from reconciled row changes and
// presence transitions, suppressing everything the local user did themselves.
type Dispatcher struct {
	localUserID string
	names       NameResolver
	toasts      *Notifier
	presence    *PresenceStore
	logger      *zap.Logger
}

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	LocalUserID string
	Names       NameResolver
	Toasts      *Notifier
	Presence    *PresenceStore
	Logger      *zap.Logger
}

// NewDispatcher constructs a notification dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.LocalUserID == "" {
		return nil, errMissingUserID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{
		localUserID: cfg.LocalUserID,
		names:       cfg.Names,
		toasts:      cfg.Toasts,
		presence:    cfg.Presence,
		logger:      logger,
	}, nil
}

// RowChanged evaluates the notification rules for one reconciled row change.
// Only schedule item changes surface toasts; everything else is silent.
func (d *Dispatcher) RowChanged(change RowChangeEvent) {
	if d.toasts == nil || change.Table != TableScheduleItems || change.New == nil {
		return
	}

	switch change.Type {
	case ChangeUpdate:
		actor := change.New.CompletedBy
		if actor == "" && change.Old != nil {
			actor = change.Old.CompletedBy
		}
		if actor == d.localUserID {
			return
		}
		wasCompleted := change.Old != nil && change.Old.Completed
		if !wasCompleted && change.New.Completed {
			name := d.actorName(actor)
			d.toasts.FamilyMemberAction(ToastSuccess, name, "completed", change.New.Title)
			d.annotate(actor, "Completed: "+change.New.Title)
		} else if wasCompleted && !change.New.Completed {
			name := d.actorName(actor)
			d.toasts.FamilyMemberAction(ToastInfo, name, "uncompleted", change.New.Title)
		}
	case ChangeInsert:
		actor := change.New.CreatedBy
		if actor == d.localUserID {
			return
		}
		name := d.actorName(actor)
		d.toasts.FamilyMemberAction(ToastInfo, name, "added", change.New.Title)
		d.annotate(actor, "Added: "+change.New.Title)
	}
}

// PresenceJoined surfaces an "online" toast for a member that was not online
// before. Re-tracks of an already online member stay silent.
func (d *Dispatcher) PresenceJoined(record PresenceRecord, wasOnline bool) {
	if d.toasts == nil || record.UserID == d.localUserID || wasOnline {
		return
	}
	d.toasts.Info(d.memberName(record)+" is online", "")
}

// PresenceLeft surfaces an "offline" toast for a departing member.
func (d *Dispatcher) PresenceLeft(record PresenceRecord) {
	if d.toasts == nil || record.UserID == d.localUserID {
		return
	}
	d.toasts.Info(d.memberName(record)+" went offline", "")
}

func (d *Dispatcher) actorName(userID string) string {
	if userID == "" {
		return fallbackActorName
	}
	if d.names != nil {
		if name, ok := d.names.DisplayName(userID); ok {
			return name
		}
	}
	if d.presence != nil {
		if record, ok := d.presence.Get(userID); ok && record.UserName != "" {
			return record.UserName
		}
	}
	return fallbackActorName
}

func (d *Dispatcher) memberName(record PresenceRecord) string {
	if record.UserName != "" {
		return record.UserName
	}
	return d.actorName(record.UserID)
}

func (d *Dispatcher) annotate(userID, activity string) {
	if d.presence == nil || userID == "" {
		return
	}
	d.presence.SetActivity(userID, activity)
}
