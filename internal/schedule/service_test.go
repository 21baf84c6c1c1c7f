package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hearthlabs/hearth/internal/realtime"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu    sync.Mutex
	index int
}

func (g *sequenceIDProvider) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.index++
	return fmt.Sprintf("id-%03d", g.index), nil
}

type capturePublisher struct {
	mu       sync.Mutex
	families []string
	changes  []realtime.RowChangeEvent
}

func (p *capturePublisher) PublishRowChange(familyID string, change realtime.RowChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.families = append(p.families, familyID)
	p.changes = append(p.changes, change)
}

func (p *capturePublisher) last(t *testing.T) (string, realtime.RowChangeEvent) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		t.Fatal("expected a published row change")
	}
	return p.families[len(p.families)-1], p.changes[len(p.changes)-1]
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.changes)
}

func newTestService(t *testing.T) (*Service, *capturePublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:hearth_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&Schedule{}, &TimeBlock{}, &ScheduleItem{},
		&Template{}, &TemplateInstance{}, &TemplateInstanceStep{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	publisher := &capturePublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Date(2026, 8, 30, 7, 45, 0, 0, time.UTC) },
		IDProvider: &sequenceIDProvider{},
		Publisher:  publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, publisher
}

func mustFamilyID(t *testing.T, value string) FamilyID {
	t.Helper()
	id, err := NewFamilyID(value)
	if err != nil {
		t.Fatalf("unexpected family id error: %v", err)
	}
	return id
}

func mustDate(t *testing.T, value string) Date {
	t.Helper()
	date, err := NewDate(value)
	if err != nil {
		t.Fatalf("unexpected date error: %v", err)
	}
	return date
}

func TestCreateTimeBlockCreatesScheduleOnFirstUse(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	block, err := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if block.OrderPosition != 0 {
		t.Fatalf("expected first block at position 0, got %d", block.OrderPosition)
	}

	second, err := service.CreateTimeBlock(ctx, familyID, date, "Evening", "17:00", "20:00")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if second.OrderPosition != 1 {
		t.Fatalf("expected second block at position 1, got %d", second.OrderPosition)
	}
	if second.ScheduleID != block.ScheduleID {
		t.Fatal("expected both blocks on the same schedule row")
	}

	family, change := publisher.last(t)
	if family != "family-1" {
		t.Fatalf("expected publish scoped to family-1, got %s", family)
	}
	if change.Type != realtime.ChangeInsert || change.Table != realtime.TableTimeBlocks {
		t.Fatalf("unexpected change %s on %s", change.Type, change.Table)
	}
	if change.New.Date != "2026-08-30" {
		t.Fatalf("expected refetch target date on the row, got %q", change.New.Date)
	}
}

func TestScheduleForDateAssemblesOrderedTree(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	evening, err := service.CreateTimeBlock(ctx, familyID, date, "Evening", "17:00", "20:00")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	morning, err := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := service.CreateItem(ctx, morning.ID, "Pack lunches", "user-1"); err != nil {
		t.Fatalf("create item failed: %v", err)
	}
	if _, err := service.CreateItem(ctx, morning.ID, "Feed the dog", "user-1"); err != nil {
		t.Fatalf("create item failed: %v", err)
	}

	day, err := service.ScheduleForDate(ctx, "family-1", "2026-08-30")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(day.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(day.Blocks))
	}
	if day.Blocks[0].ID != morning.ID || day.Blocks[1].ID != evening.ID {
		t.Fatal("expected blocks ordered by start time")
	}
	items := day.Blocks[0].Items
	if len(items) != 2 {
		t.Fatalf("expected 2 items in the morning block, got %d", len(items))
	}
	if items[0].Title != "Pack lunches" || items[1].Title != "Feed the dog" {
		t.Fatal("expected items ordered by position")
	}
}

func TestScheduleForDateWithoutScheduleIsEmptyNotError(t *testing.T) {
	service, _ := newTestService(t)

	day, err := service.ScheduleForDate(context.Background(), "family-1", "2026-08-30")
	if err != nil {
		t.Fatalf("expected empty day, got error: %v", err)
	}
	if day.ScheduleID != "" || len(day.Blocks) != 0 {
		t.Fatalf("expected empty aggregate, got %+v", day)
	}
}

func TestSetItemCompletionPublishesTransition(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	block, _ := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	item, err := service.CreateItem(ctx, block.ID, "Pack lunches", "user-1")
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}

	completed, err := service.SetItemCompletion(ctx, item.ID, true, "user-2")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !completed.Completed || completed.CompletedBy != "user-2" || completed.CompletedAt == nil {
		t.Fatalf("unexpected completion state %+v", completed)
	}

	_, change := publisher.last(t)
	if change.Type != realtime.ChangeUpdate || change.Table != realtime.TableScheduleItems {
		t.Fatalf("unexpected change %s on %s", change.Type, change.Table)
	}
	if change.Old == nil || change.Old.Completed {
		t.Fatal("expected old row carrying the pre-completion state")
	}
	if !change.New.Completed || change.New.CompletedBy != "user-2" {
		t.Fatalf("unexpected new row %+v", change.New)
	}
	if change.New.CompletedAt != "2026-08-30T07:45:00Z" {
		t.Fatalf("unexpected completion timestamp %q", change.New.CompletedAt)
	}
}

func TestUncompletionEchoStillNamesTheActor(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	block, _ := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	item, _ := service.CreateItem(ctx, block.ID, "Pack lunches", "user-1")
	if _, err := service.SetItemCompletion(ctx, item.ID, true, "user-2"); err != nil {
		t.Fatalf("completion failed: %v", err)
	}

	uncompleted, err := service.SetItemCompletion(ctx, item.ID, false, "user-2")
	if err != nil {
		t.Fatalf("uncompletion failed: %v", err)
	}
	if uncompleted.Completed || uncompleted.CompletedBy != "" || uncompleted.CompletedAt != nil {
		t.Fatalf("expected completion fields cleared on the row, got %+v", uncompleted)
	}

	_, change := publisher.last(t)
	if change.New.Completed {
		t.Fatal("expected uncompleted new row")
	}
	if change.New.CompletedBy != "user-2" {
		t.Fatalf("expected the echo to carry the uncompleting actor, got %q", change.New.CompletedBy)
	}
}

func TestDeleteItemPublishesOldRow(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	block, _ := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	item, _ := service.CreateItem(ctx, block.ID, "Pack lunches", "user-1")

	if err := service.DeleteItem(ctx, item.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, change := publisher.last(t)
	if change.Type != realtime.ChangeDelete {
		t.Fatalf("expected DELETE change, got %s", change.Type)
	}
	if change.New != nil {
		t.Fatal("expected no new row on delete")
	}
	if change.Old == nil || change.Old.ID != item.ID || change.Old.Date != "2026-08-30" {
		t.Fatalf("unexpected old row %+v", change.Old)
	}

	day, err := service.ScheduleForDate(ctx, "family-1", "2026-08-30")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(day.Blocks[0].Items) != 0 {
		t.Fatal("expected item removed from the aggregate")
	}
}

func TestDeleteMissingItemReportsNotFound(t *testing.T) {
	service, publisher := newTestService(t)

	err := service.DeleteItem(context.Background(), "missing-item")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if publisher.count() != 0 {
		t.Fatal("failed mutations must not publish")
	}
}

func TestAttachTemplateCopiesStepTitles(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	template, err := service.CreateTemplate(ctx, familyID, "Morning routine", "Before school", []string{"Fill bowl", "Fresh water"})
	if err != nil {
		t.Fatalf("create template failed: %v", err)
	}
	block, _ := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	item, _ := service.CreateItem(ctx, block.ID, "Feed the dog", "user-1")

	instance, err := service.AttachTemplate(ctx, item.ID, template.ID)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	_, change := publisher.last(t)
	if change.Table != realtime.TableTemplateInstances || change.Type != realtime.ChangeInsert {
		t.Fatalf("unexpected change %s on %s", change.Type, change.Table)
	}
	if change.New.Date != "2026-08-30" {
		t.Fatalf("expected refetch target date on the row, got %q", change.New.Date)
	}

	day, err := service.ScheduleForDate(ctx, "family-1", "2026-08-30")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	view := day.Blocks[0].Items[0].Instance
	if view == nil || view.ID != instance.ID {
		t.Fatal("expected the instance attached to the item view")
	}
	if len(view.Steps) != 2 || view.Steps[0].Title != "Fill bowl" || view.Steps[1].Title != "Fresh water" {
		t.Fatalf("expected copied steps in order, got %+v", view.Steps)
	}

	// Deleting the template keeps the copied steps on the instance.
	if err := service.DeleteTemplate(ctx, template.ID); err != nil {
		t.Fatalf("delete template failed: %v", err)
	}
	day, _ = service.ScheduleForDate(ctx, "family-1", "2026-08-30")
	if got := len(day.Blocks[0].Items[0].Instance.Steps); got != 2 {
		t.Fatalf("expected steps retained after template delete, got %d", got)
	}
}

func TestSetStepCompletionPublishesLeafUpdate(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	template, _ := service.CreateTemplate(ctx, familyID, "Morning routine", "", []string{"Fill bowl"})
	block, _ := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	item, _ := service.CreateItem(ctx, block.ID, "Feed the dog", "user-1")
	if _, err := service.AttachTemplate(ctx, item.ID, template.ID); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	day, _ := service.ScheduleForDate(ctx, "family-1", "2026-08-30")
	stepID := day.Blocks[0].Items[0].Instance.Steps[0].ID

	step, err := service.SetStepCompletion(ctx, stepID, true)
	if err != nil {
		t.Fatalf("step completion failed: %v", err)
	}
	if !step.Completed {
		t.Fatal("expected step completed")
	}

	_, change := publisher.last(t)
	if change.Table != realtime.TableTemplateInstanceSteps || change.Type != realtime.ChangeUpdate {
		t.Fatalf("unexpected change %s on %s", change.Type, change.Table)
	}
	if change.Old == nil || change.Old.Completed {
		t.Fatal("expected old row uncompleted")
	}
	if !change.New.Completed || change.New.InstanceID == "" {
		t.Fatalf("unexpected new row %+v", change.New)
	}
}

func TestTemplatesForFamilySortsAndScopes(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.CreateTemplate(ctx, mustFamilyID(t, "family-1"), "Evening wind-down", "", nil); err != nil {
		t.Fatalf("create template failed: %v", err)
	}
	if _, err := service.CreateTemplate(ctx, mustFamilyID(t, "family-1"), "Bedtime", "", []string{"Brush teeth"}); err != nil {
		t.Fatalf("create template failed: %v", err)
	}
	if _, err := service.CreateTemplate(ctx, mustFamilyID(t, "family-2"), "Other family", "", nil); err != nil {
		t.Fatalf("create template failed: %v", err)
	}

	templates, err := service.TemplatesForFamily(ctx, "family-1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
	if templates[0].Title != "Bedtime" || templates[1].Title != "Evening wind-down" {
		t.Fatal("expected templates sorted by title")
	}
	if len(templates[0].StepTitles) != 1 || templates[0].StepTitles[0] != "Brush teeth" {
		t.Fatalf("expected decoded step titles, got %+v", templates[0].StepTitles)
	}
}

func TestUpdateTimeBlockTimesPublishesOldAndNew(t *testing.T) {
	service, publisher := newTestService(t)
	ctx := context.Background()
	familyID := mustFamilyID(t, "family-1")
	date := mustDate(t, "2026-08-30")

	block, _ := service.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")

	updated, err := service.UpdateTimeBlockTimes(ctx, block.ID, "07:30", "09:30")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.StartTime != "07:30" || updated.EndTime != "09:30" {
		t.Fatalf("unexpected times %s-%s", updated.StartTime, updated.EndTime)
	}

	_, change := publisher.last(t)
	if change.Type != realtime.ChangeUpdate || change.Table != realtime.TableTimeBlocks {
		t.Fatalf("unexpected change %s on %s", change.Type, change.Table)
	}
	if change.Old.StartTime != "07:00" || change.New.StartTime != "07:30" {
		t.Fatalf("expected old and new boundaries on the echo, got old %q new %q",
			change.Old.StartTime, change.New.StartTime)
	}
}

func TestServiceConstructionValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	if err == nil {
		t.Fatal("expected error for missing database")
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != CodeInvalid {
		t.Fatalf("expected invalid-code store error, got %v", err)
	}
}
