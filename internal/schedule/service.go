package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/hearthlabs/hearth/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("schedule: database handle is required")
	errMissingIDProvider = errors.New("schedule: id provider is required")
	noOpLogger           = zap.NewNop()
)

// ChangePublisher receives one row-change event per committed mutation,
// scoped to the owning family channel. The publisher fans the event out to
// every subscriber, the mutating client included (the echo).
type ChangePublisher interface {
	PublishRowChange(familyID string, change realtime.RowChangeEvent)
}

// ServiceConfig describes the dependencies of the schedule service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  ChangePublisher
	Logger     *zap.Logger
}

// Service is the row store and aggregate assembler for family schedules. It
// is the single write path to the watched tables; every committed mutation
// is published as a row-change event.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  ChangePublisher
	logger     *zap.Logger
}

// NewService constructs the schedule service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newStoreError(CodeInvalid, "schedule.service.new", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(CodeInvalid, "schedule.service.new", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// ScheduleForDate assembles the full aggregate tree for one family day:
// schedule, time blocks ordered by start time, items ordered by position,
// and attached template instances with their steps. A day without a schedule
// row yields an empty aggregate, not an error.
func (s *Service) ScheduleForDate(ctx context.Context, familyID, date string) (*realtime.DaySchedule, error) {
	day := &realtime.DaySchedule{FamilyID: familyID, Date: date, Blocks: []realtime.TimeBlockView{}}

	var sched Schedule
	err := s.db.WithContext(ctx).
		Where("family_id = ? AND date = ?", familyID, date).
		Take(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return day, nil
	}
	if err != nil {
		return nil, wrapQueryError("schedule.for_date", err)
	}
	day.ScheduleID = sched.ID

	var blocks []TimeBlock
	if err := s.db.WithContext(ctx).
		Where("schedule_id = ?", sched.ID).
		Order("start_time ASC, order_position ASC").
		Find(&blocks).Error; err != nil {
		return nil, wrapQueryError("schedule.for_date.blocks", err)
	}

	blockIDs := make([]string, 0, len(blocks))
	for _, block := range blocks {
		blockIDs = append(blockIDs, block.ID)
	}

	itemsByBlock := make(map[string][]ScheduleItem)
	instanceByItem := make(map[string]TemplateInstance)
	stepsByInstance := make(map[string][]TemplateInstanceStep)
	if len(blockIDs) > 0 {
		var items []ScheduleItem
		if err := s.db.WithContext(ctx).
			Where("time_block_id IN ?", blockIDs).
			Order("order_position ASC").
			Find(&items).Error; err != nil {
			return nil, wrapQueryError("schedule.for_date.items", err)
		}
		itemIDs := make([]string, 0, len(items))
		for _, item := range items {
			itemsByBlock[item.TimeBlockID] = append(itemsByBlock[item.TimeBlockID], item)
			itemIDs = append(itemIDs, item.ID)
		}
		if len(itemIDs) > 0 {
			var instances []TemplateInstance
			if err := s.db.WithContext(ctx).
				Where("schedule_item_id IN ?", itemIDs).
				Find(&instances).Error; err != nil {
				return nil, wrapQueryError("schedule.for_date.instances", err)
			}
			instanceIDs := make([]string, 0, len(instances))
			for _, instance := range instances {
				instanceByItem[instance.ScheduleItemID] = instance
				instanceIDs = append(instanceIDs, instance.ID)
			}
			if len(instanceIDs) > 0 {
				var steps []TemplateInstanceStep
				if err := s.db.WithContext(ctx).
					Where("instance_id IN ?", instanceIDs).
					Order("order_position ASC").
					Find(&steps).Error; err != nil {
					return nil, wrapQueryError("schedule.for_date.steps", err)
				}
				for _, step := range steps {
					stepsByInstance[step.InstanceID] = append(stepsByInstance[step.InstanceID], step)
				}
			}
		}
	}

	for _, block := range blocks {
		blockView := realtime.TimeBlockView{
			ID:        block.ID,
			Title:     block.Title,
			StartTime: block.StartTime,
			EndTime:   block.EndTime,
			Items:     []realtime.ScheduleItemView{},
		}
		for _, item := range itemsByBlock[block.ID] {
			itemView := realtime.ScheduleItemView{
				ID:            item.ID,
				Title:         item.Title,
				OrderPosition: item.OrderPosition,
				Completed:     item.Completed,
				CompletedBy:   item.CompletedBy,
				CompletedAt:   formatCompletedAt(item.CompletedAt),
			}
			if instance, ok := instanceByItem[item.ID]; ok {
				instanceView := &realtime.TemplateInstanceView{
					ID:         instance.ID,
					TemplateID: instance.TemplateID,
					Steps:      []realtime.TemplateStepView{},
				}
				for _, step := range stepsByInstance[instance.ID] {
					instanceView.Steps = append(instanceView.Steps, realtime.TemplateStepView{
						ID:            step.ID,
						Title:         step.Title,
						OrderPosition: step.OrderPosition,
						Completed:     step.Completed,
					})
				}
				itemView.Instance = instanceView
			}
			blockView.Items = append(blockView.Items, itemView)
		}
		day.Blocks = append(day.Blocks, blockView)
	}

	return day, nil
}

// TemplatesForFamily returns the family's checklist templates sorted by title.
func (s *Service) TemplatesForFamily(ctx context.Context, familyID string) ([]realtime.TemplateView, error) {
	var templates []Template
	if err := s.db.WithContext(ctx).
		Where("family_id = ?", familyID).
		Find(&templates).Error; err != nil {
		return nil, wrapQueryError("templates.for_family", err)
	}
	views := make([]realtime.TemplateView, 0, len(templates))
	for _, template := range templates {
		views = append(views, realtime.TemplateView{
			ID:          template.ID,
			FamilyID:    template.FamilyID,
			Title:       template.Title,
			Description: template.Description,
			StepTitles:  decodeStepTitles(template.StepTitles),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Title < views[j].Title })
	return views, nil
}

// CreateTimeBlock creates a block on the family's schedule for the date,
// creating the schedule row on first use.
func (s *Service) CreateTimeBlock(ctx context.Context, familyID FamilyID, date Date, title, startTime, endTime string) (*TimeBlock, error) {
	var block TimeBlock
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sched, err := s.ensureSchedule(tx, familyID.String(), date.String())
		if err != nil {
			return err
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(CodeWriteFailed, "time_block.create.id", err)
		}
		var position int64
		if err := tx.Model(&TimeBlock{}).Where("schedule_id = ?", sched.ID).Count(&position).Error; err != nil {
			return wrapQueryError("time_block.create.position", err)
		}
		block = TimeBlock{
			ID:            id,
			ScheduleID:    sched.ID,
			Title:         title,
			StartTime:     startTime,
			EndTime:       endTime,
			OrderPosition: int(position),
		}
		if err := tx.Create(&block).Error; err != nil {
			return newStoreError(CodeWriteFailed, "time_block.create", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("time_block.create", txErr, zap.String("family_id", familyID.String()))
		return nil, txErr
	}

	s.publish(familyID.String(), realtime.RowChangeEvent{
		Type:  realtime.ChangeInsert,
		Table: realtime.TableTimeBlocks,
		New:   s.rowForBlock(block, familyID.String(), date.String()),
	})
	return &block, nil
}

// UpdateTimeBlockTimes moves a block's boundaries. A leaf-field change:
// subscribers patch it in place.
func (s *Service) UpdateTimeBlockTimes(ctx context.Context, blockID, startTime, endTime string) (*TimeBlock, error) {
	var block TimeBlock
	var old TimeBlock
	var familyID, date string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", blockID).Take(&block).Error; err != nil {
			return wrapQueryError("time_block.update_times.select", err)
		}
		old = block
		var err error
		familyID, date, err = s.scheduleScope(tx, block.ScheduleID)
		if err != nil {
			return err
		}
		block.StartTime = startTime
		block.EndTime = endTime
		if err := tx.Save(&block).Error; err != nil {
			return newStoreError(CodeWriteFailed, "time_block.update_times", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("time_block.update_times", txErr, zap.String("block_id", blockID))
		return nil, txErr
	}

	s.publish(familyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeUpdate,
		Table: realtime.TableTimeBlocks,
		New:   s.rowForBlock(block, familyID, date),
		Old:   s.rowForBlock(old, familyID, date),
	})
	return &block, nil
}

// CreateItem appends an item to a time block.
func (s *Service) CreateItem(ctx context.Context, blockID, title, createdBy string) (*ScheduleItem, error) {
	var item ScheduleItem
	var familyID, date string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var block TimeBlock
		if err := tx.Where("id = ?", blockID).Take(&block).Error; err != nil {
			return wrapQueryError("item.create.block", err)
		}
		var err error
		familyID, date, err = s.scheduleScope(tx, block.ScheduleID)
		if err != nil {
			return err
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(CodeWriteFailed, "item.create.id", err)
		}
		var position int64
		if err := tx.Model(&ScheduleItem{}).Where("time_block_id = ?", blockID).Count(&position).Error; err != nil {
			return wrapQueryError("item.create.position", err)
		}
		item = ScheduleItem{
			ID:            id,
			TimeBlockID:   blockID,
			Title:         title,
			OrderPosition: int(position),
			CreatedBy:     createdBy,
		}
		if err := tx.Create(&item).Error; err != nil {
			return newStoreError(CodeWriteFailed, "item.create", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("item.create", txErr, zap.String("block_id", blockID))
		return nil, txErr
	}

	s.publish(familyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeInsert,
		Table: realtime.TableScheduleItems,
		New:   s.rowForItem(item, familyID, date),
	})
	return &item, nil
}

// DeleteItem removes an item. A structural change: subscribers refetch the
// affected day.
func (s *Service) DeleteItem(ctx context.Context, itemID string) error {
	var item ScheduleItem
	var familyID, date string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", itemID).Take(&item).Error; err != nil {
			return wrapQueryError("item.delete.select", err)
		}
		var err error
		familyID, date, err = s.itemScope(tx, item.TimeBlockID)
		if err != nil {
			return err
		}
		if err := tx.Delete(&ScheduleItem{}, "id = ?", itemID).Error; err != nil {
			return newStoreError(CodeWriteFailed, "item.delete", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("item.delete", txErr, zap.String("item_id", itemID))
		return txErr
	}

	s.publish(familyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeDelete,
		Table: realtime.TableScheduleItems,
		Old:   s.rowForItem(item, familyID, date),
	})
	return nil
}

// SetItemCompletion toggles completion on an item, recording who completed it
// and when. The published echo carries both the old and the new row so
// subscribers can derive the completion transition.
func (s *Service) SetItemCompletion(ctx context.Context, itemID string, completed bool, actorID string) (*ScheduleItem, error) {
	var item ScheduleItem
	var old ScheduleItem
	var familyID, date string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", itemID).Take(&item).Error; err != nil {
			return wrapQueryError("item.set_completion.select", err)
		}
		old = item
		var err error
		familyID, date, err = s.itemScope(tx, item.TimeBlockID)
		if err != nil {
			return err
		}
		item.Completed = completed
		if completed {
			now := s.clock().UTC()
			item.CompletedBy = actorID
			item.CompletedAt = &now
		} else {
			item.CompletedBy = ""
			item.CompletedAt = nil
		}
		if err := tx.Save(&item).Error; err != nil {
			return newStoreError(CodeWriteFailed, "item.set_completion", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("item.set_completion", txErr, zap.String("item_id", itemID))
		return nil, txErr
	}

	newRow := s.rowForItem(item, familyID, date)
	// The uncompleting actor is not stored on the row; carry it on the echo
	// so self-suppression still applies.
	newRow.CompletedBy = actorID
	s.publish(familyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeUpdate,
		Table: realtime.TableScheduleItems,
		New:   newRow,
		Old:   s.rowForItem(old, familyID, date),
	})
	return &item, nil
}

// CreateTemplate creates a family checklist template.
func (s *Service) CreateTemplate(ctx context.Context, familyID FamilyID, title, description string, stepTitles []string) (*Template, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return nil, newStoreError(CodeWriteFailed, "template.create.id", err)
	}
	template := Template{
		ID:          id,
		FamilyID:    familyID.String(),
		Title:       title,
		Description: description,
		StepTitles:  encodeStepTitles(stepTitles),
	}
	if err := s.db.WithContext(ctx).Create(&template).Error; err != nil {
		s.logError("template.create", err, zap.String("family_id", familyID.String()))
		return nil, newStoreError(CodeWriteFailed, "template.create", err)
	}

	s.publish(familyID.String(), realtime.RowChangeEvent{
		Type:  realtime.ChangeInsert,
		Table: realtime.TableTemplates,
		New:   &realtime.Row{ID: template.ID, FamilyID: template.FamilyID, Title: template.Title},
	})
	return &template, nil
}

// DeleteTemplate removes a template. Existing instances keep their copied
// steps; only the template list refetches.
func (s *Service) DeleteTemplate(ctx context.Context, templateID string) error {
	var template Template
	if err := s.db.WithContext(ctx).Where("id = ?", templateID).Take(&template).Error; err != nil {
		return wrapQueryError("template.delete.select", err)
	}
	if err := s.db.WithContext(ctx).Delete(&Template{}, "id = ?", templateID).Error; err != nil {
		s.logError("template.delete", err, zap.String("template_id", templateID))
		return newStoreError(CodeWriteFailed, "template.delete", err)
	}

	s.publish(template.FamilyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeDelete,
		Table: realtime.TableTemplates,
		Old:   &realtime.Row{ID: template.ID, FamilyID: template.FamilyID, Title: template.Title},
	})
	return nil
}

// AttachTemplate instantiates a template's checklist on a schedule item,
// copying the step titles at attach time.
func (s *Service) AttachTemplate(ctx context.Context, itemID, templateID string) (*TemplateInstance, error) {
	var instance TemplateInstance
	var familyID, date string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item ScheduleItem
		if err := tx.Where("id = ?", itemID).Take(&item).Error; err != nil {
			return wrapQueryError("template.attach.item", err)
		}
		var err error
		familyID, date, err = s.itemScope(tx, item.TimeBlockID)
		if err != nil {
			return err
		}
		var template Template
		if err := tx.Where("id = ?", templateID).Take(&template).Error; err != nil {
			return wrapQueryError("template.attach.template", err)
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			return newStoreError(CodeWriteFailed, "template.attach.id", err)
		}
		instance = TemplateInstance{ID: id, ScheduleItemID: itemID, TemplateID: templateID}
		if err := tx.Create(&instance).Error; err != nil {
			return newStoreError(CodeWriteFailed, "template.attach", err)
		}
		for position, stepTitle := range decodeStepTitles(template.StepTitles) {
			stepID, err := s.idProvider.NewID()
			if err != nil {
				return newStoreError(CodeWriteFailed, "template.attach.step_id", err)
			}
			step := TemplateInstanceStep{
				ID:            stepID,
				InstanceID:    instance.ID,
				Title:         stepTitle,
				OrderPosition: position,
			}
			if err := tx.Create(&step).Error; err != nil {
				return newStoreError(CodeWriteFailed, "template.attach.step", err)
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError("template.attach", txErr, zap.String("item_id", itemID))
		return nil, txErr
	}

	s.publish(familyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeInsert,
		Table: realtime.TableTemplateInstances,
		New:   &realtime.Row{ID: instance.ID, FamilyID: familyID, Date: date, InstanceID: instance.ID},
	})
	return &instance, nil
}

// SetStepCompletion toggles one checklist step. A leaf-field change:
// subscribers patch the step inside the owning instance in place.
func (s *Service) SetStepCompletion(ctx context.Context, stepID string, completed bool) (*TemplateInstanceStep, error) {
	var step TemplateInstanceStep
	var old TemplateInstanceStep
	var familyID, date string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", stepID).Take(&step).Error; err != nil {
			return wrapQueryError("step.set_completion.select", err)
		}
		old = step
		var instance TemplateInstance
		if err := tx.Where("id = ?", step.InstanceID).Take(&instance).Error; err != nil {
			return wrapQueryError("step.set_completion.instance", err)
		}
		var item ScheduleItem
		if err := tx.Where("id = ?", instance.ScheduleItemID).Take(&item).Error; err != nil {
			return wrapQueryError("step.set_completion.item", err)
		}
		var err error
		familyID, date, err = s.itemScope(tx, item.TimeBlockID)
		if err != nil {
			return err
		}
		step.Completed = completed
		if err := tx.Save(&step).Error; err != nil {
			return newStoreError(CodeWriteFailed, "step.set_completion", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError("step.set_completion", txErr, zap.String("step_id", stepID))
		return nil, txErr
	}

	s.publish(familyID, realtime.RowChangeEvent{
		Type:  realtime.ChangeUpdate,
		Table: realtime.TableTemplateInstanceSteps,
		New:   s.rowForStep(step, familyID, date),
		Old:   s.rowForStep(old, familyID, date),
	})
	return &step, nil
}

func (s *Service) ensureSchedule(tx *gorm.DB, familyID, date string) (Schedule, error) {
	var sched Schedule
	err := tx.Where("family_id = ? AND date = ?", familyID, date).Take(&sched).Error
	if err == nil {
		return sched, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Schedule{}, wrapQueryError("schedule.ensure", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Schedule{}, newStoreError(CodeWriteFailed, "schedule.ensure.id", err)
	}
	sched = Schedule{ID: id, FamilyID: familyID, Date: date}
	if err := tx.Create(&sched).Error; err != nil {
		return Schedule{}, newStoreError(CodeWriteFailed, "schedule.ensure", err)
	}
	return sched, nil
}

// scheduleScope resolves the family and date owning a schedule row.
func (s *Service) scheduleScope(tx *gorm.DB, scheduleID string) (string, string, error) {
	var sched Schedule
	if err := tx.Where("id = ?", scheduleID).Take(&sched).Error; err != nil {
		return "", "", wrapQueryError("schedule.scope", err)
	}
	return sched.FamilyID, sched.Date, nil
}

// itemScope resolves the family and date owning a time block row.
func (s *Service) itemScope(tx *gorm.DB, blockID string) (string, string, error) {
	var block TimeBlock
	if err := tx.Where("id = ?", blockID).Take(&block).Error; err != nil {
		return "", "", wrapQueryError("item.scope", err)
	}
	return s.scheduleScope(tx, block.ScheduleID)
}

func (s *Service) publish(familyID string, change realtime.RowChangeEvent) {
	if s.publisher == nil || familyID == "" {
		return
	}
	s.publisher.PublishRowChange(familyID, change)
}

func (s *Service) rowForBlock(block TimeBlock, familyID, date string) *realtime.Row {
	return &realtime.Row{
		ID:            block.ID,
		FamilyID:      familyID,
		ScheduleID:    block.ScheduleID,
		Date:          date,
		Title:         block.Title,
		StartTime:     block.StartTime,
		EndTime:       block.EndTime,
		OrderPosition: block.OrderPosition,
	}
}

func (s *Service) rowForItem(item ScheduleItem, familyID, date string) *realtime.Row {
	return &realtime.Row{
		ID:            item.ID,
		FamilyID:      familyID,
		TimeBlockID:   item.TimeBlockID,
		Date:          date,
		Title:         item.Title,
		OrderPosition: item.OrderPosition,
		Completed:     item.Completed,
		CompletedBy:   item.CompletedBy,
		CompletedAt:   formatCompletedAt(item.CompletedAt),
		CreatedBy:     item.CreatedBy,
	}
}

func (s *Service) rowForStep(step TemplateInstanceStep, familyID, date string) *realtime.Row {
	return &realtime.Row{
		ID:         step.ID,
		FamilyID:   familyID,
		InstanceID: step.InstanceID,
		Date:       date,
		Title:      step.Title,
		Completed:  step.Completed,
	}
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("schedule service error", attrs...)
}

func formatCompletedAt(completedAt *time.Time) string {
	if completedAt == nil {
		return ""
	}
	return completedAt.UTC().Format(time.RFC3339)
}

func encodeStepTitles(stepTitles []string) string {
	if len(stepTitles) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(stepTitles)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func decodeStepTitles(encoded string) []string {
	if encoded == "" {
		return nil
	}
	var stepTitles []string
	if err := json.Unmarshal([]byte(encoded), &stepTitles); err != nil {
		return nil
	}
	return stepTitles
}
