package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingFetcher = errors.New("realtime: aggregate fetcher is required")
	noOpLogger        = zap.NewNop()
)

// Fetcher re-derives cached aggregates from the row store. Refetch results
// are idempotent snapshots of server truth, not deltas, so overlapping
// refetches may simply overwrite each other.
type Fetcher interface {
	ScheduleForDate(ctx context.Context, familyID, date string) (*DaySchedule, error)
	TemplatesForFamily(ctx context.Context, familyID string) ([]TemplateView, error)
}

// applyPolicy selects how a row-change event is folded into the cache.
type applyPolicy int

const (
	policyIgnore applyPolicy = iota
	policyPatch
	policyRefetchDay
	policyRefetchTemplates
)

// reconcilePolicies is the patch-versus-refetch table. Leaf-field updates are
// frequent and cheap to patch in place; structural changes re-derive the
// whole aggregate from the row store because the tree's ordering and nesting
// invariants are simpler to guarantee wholesale.
var reconcilePolicies = map[TableName]map[ChangeType]applyPolicy{
	TableScheduleItems: {
		ChangeUpdate: policyPatch,
		ChangeInsert: policyRefetchDay,
		ChangeDelete: policyRefetchDay,
	},
	TableTimeBlocks: {
		ChangeUpdate: policyPatch,
		ChangeInsert: policyRefetchDay,
		ChangeDelete: policyRefetchDay,
	},
	TableTemplateInstanceSteps: {
		ChangeUpdate: policyPatch,
		ChangeInsert: policyRefetchDay,
		ChangeDelete: policyRefetchDay,
	},
	TableTemplateInstances: {
		ChangeInsert: policyRefetchDay,
		ChangeUpdate: policyRefetchDay,
		ChangeDelete: policyRefetchDay,
	},
	TableTemplates: {
		ChangeInsert: policyRefetchTemplates,
		ChangeUpdate: policyRefetchTemplates,
		ChangeDelete: policyRefetchTemplates,
	},
}

// ReconcilerConfig describes the dependencies of a Reconciler.
type ReconcilerConfig struct {
	FamilyID string
	Fetcher  Fetcher
	Logger   *zap.Logger
}

// Reconciler folds server-pushed row-change events into the locally cached
// schedule and template aggregates. A failed refetch leaves the cache stale
// but consistent; the next event or a manual reload corrects it.
type Reconciler struct {
	mu        sync.Mutex
	familyID  string
	days      map[string]*DaySchedule
	templates []TemplateView
	epoch     int64
	fetcher   Fetcher
	logger    *zap.Logger
}

// NewReconciler constructs a reconciler for one family channel.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.FamilyID == "" {
		return nil, errMissingFamilyID
	}
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		familyID: cfg.FamilyID,
		days:     make(map[string]*DaySchedule),
		fetcher:  cfg.Fetcher,
		logger:   logger,
	}, nil
}

// Apply folds one row-change event into the cache according to the policy
// table. Refetches triggered here are guarded against the channel having
// been invalidated while the fetch was in flight.
func (r *Reconciler) Apply(ctx context.Context, change RowChangeEvent) {
	policies, known := reconcilePolicies[change.Table]
	if !known {
		r.logger.Debug("row change for unwatched table ignored",
			zap.String("table", string(change.Table)),
			zap.String("event_type", string(change.Type)))
		return
	}
	policy, known := policies[change.Type]
	if !known {
		policy = policyIgnore
	}

	switch policy {
	case policyPatch:
		r.patch(change)
	case policyRefetchDay:
		row := change.row()
		if row == nil || row.Date == "" {
			r.logger.Warn("structural change without a date; cache left unchanged",
				zap.String("table", string(change.Table)))
			return
		}
		r.refetchDay(ctx, row.Date)
	case policyRefetchTemplates:
		r.refetchTemplates(ctx)
	}
}

// LoadDay primes the cache for a date with a guarded refetch.
func (r *Reconciler) LoadDay(ctx context.Context, date string) error {
	return r.refetchDay(ctx, date)
}

// LoadTemplates primes the template list with a guarded refetch.
func (r *Reconciler) LoadTemplates(ctx context.Context) error {
	return r.refetchTemplates(ctx)
}

// Refresh re-derives every cached aggregate from the row store. This is the
// coarse fallback poll: refetch results are idempotent snapshots, so running
// it concurrently with event-driven refetches is safe, and every refetch is
// epoch-guarded like any other.
func (r *Reconciler) Refresh(ctx context.Context) {
	r.mu.Lock()
	dates := make([]string, 0, len(r.days))
	for date := range r.days {
		dates = append(dates, date)
	}
	hasTemplates := r.templates != nil
	r.mu.Unlock()

	for _, date := range dates {
		_ = r.refetchDay(ctx, date)
	}
	if hasTemplates {
		_ = r.refetchTemplates(ctx)
	}
}

// Day returns a copy of the cached aggregate for the date. The copy keeps
// the cache read-only from the caller's perspective.
func (r *Reconciler) Day(date string) (*DaySchedule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day, ok := r.days[date]
	if !ok {
		return nil, false
	}
	return day.clone(), true
}

// Templates returns a copy of the cached family template list.
func (r *Reconciler) Templates() []TemplateView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTemplates(r.templates)
}

// Invalidate clears the cache and bumps the epoch so that any refetch still
// in flight for the previous channel is discarded when it resolves. Called on
// family switch and on session teardown.
func (r *Reconciler) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.days = make(map[string]*DaySchedule)
	r.templates = nil
}

// ItemSnapshot returns a deep copy of a cached schedule item, for use as the
// rollback point of an optimistic mutation.
func (r *Reconciler) ItemSnapshot(itemID string) (ScheduleItemView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.findItem(itemID)
	if item == nil {
		return ScheduleItemView{}, false
	}
	return item.clone(), true
}

// PatchItemCompletion applies a local completion change to the cached item.
// Used by the optimistic path before the remote call settles.
func (r *Reconciler) PatchItemCompletion(itemID string, completed bool, completedBy, completedAt string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.findItem(itemID)
	if item == nil {
		return false
	}
	item.Completed = completed
	item.CompletedBy = completedBy
	item.CompletedAt = completedAt
	if !completed {
		item.CompletedBy = ""
		item.CompletedAt = ""
	}
	return true
}

// RestoreItem reinstates a previously taken snapshot, reverting an optimistic
// mutation whose remote call failed.
func (r *Reconciler) RestoreItem(snapshot ScheduleItemView) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	item := r.findItem(snapshot.ID)
	if item == nil {
		return false
	}
	*item = snapshot.clone()
	return true
}

func (r *Reconciler) patch(change RowChangeEvent) {
	row := change.New
	if row == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch change.Table {
	case TableScheduleItems:
		item := r.findItem(row.ID)
		if item == nil {
			return
		}
		item.Title = row.Title
		item.Completed = row.Completed
		item.CompletedBy = row.CompletedBy
		item.CompletedAt = row.CompletedAt
	case TableTimeBlocks:
		block := r.findBlock(row.ID)
		if block == nil {
			return
		}
		block.Title = row.Title
		block.StartTime = row.StartTime
		block.EndTime = row.EndTime
	case TableTemplateInstanceSteps:
		step := r.findStep(row.ID)
		if step == nil {
			return
		}
		step.Title = row.Title
		step.Completed = row.Completed
	}
}

func (r *Reconciler) refetchDay(ctx context.Context, date string) error {
	r.mu.Lock()
	startEpoch := r.epoch
	r.mu.Unlock()

	day, err := r.fetcher.ScheduleForDate(ctx, r.familyID, date)
	if err != nil {
		r.logger.Warn("schedule refetch failed; cache left unchanged",
			zap.String("family_id", r.familyID),
			zap.String("date", date),
			zap.Error(err))
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != startEpoch {
		r.logger.Debug("stale schedule refetch discarded",
			zap.String("family_id", r.familyID),
			zap.String("date", date))
		return nil
	}
	r.days[date] = day
	return nil
}

func (r *Reconciler) refetchTemplates(ctx context.Context) error {
	r.mu.Lock()
	startEpoch := r.epoch
	r.mu.Unlock()

	templates, err := r.fetcher.TemplatesForFamily(ctx, r.familyID)
	if err != nil {
		r.logger.Warn("template refetch failed; cache left unchanged",
			zap.String("family_id", r.familyID),
			zap.Error(err))
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != startEpoch {
		r.logger.Debug("stale template refetch discarded", zap.String("family_id", r.familyID))
		return nil
	}
	r.templates = templates
	return nil
}

// findItem, findBlock and findStep return pointers into the cache; callers
// hold the mutex.
func (r *Reconciler) findItem(itemID string) *ScheduleItemView {
	for _, day := range r.days {
		for b := range day.Blocks {
			for i := range day.Blocks[b].Items {
				if day.Blocks[b].Items[i].ID == itemID {
					return &day.Blocks[b].Items[i]
				}
			}
		}
	}
	return nil
}

func (r *Reconciler) findBlock(blockID string) *TimeBlockView {
	for _, day := range r.days {
		for b := range day.Blocks {
			if day.Blocks[b].ID == blockID {
				return &day.Blocks[b]
			}
		}
	}
	return nil
}

func (r *Reconciler) findStep(stepID string) *TemplateStepView {
	for _, day := range r.days {
		for b := range day.Blocks {
			for i := range day.Blocks[b].Items {
				instance := day.Blocks[b].Items[i].Instance
				if instance == nil {
					continue
				}
				for s := range instance.Steps {
					if instance.Steps[s].ID == stepID {
						return &instance.Steps[s]
					}
				}
			}
		}
	}
	return nil
}
