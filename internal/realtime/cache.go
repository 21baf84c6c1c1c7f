package realtime

// DaySchedule is the client-held aggregate for one family day: the schedule
// with its time blocks, their items, and any attached template instances.
// The reconciler is the only writer for network-originated changes; the
// optimistic coordinator path is the only writer for local ones.
type DaySchedule struct {
	ScheduleID string          `json:"schedule_id"`
	FamilyID   string          `json:"family_id"`
	Date       string          `json:"date"`
	Blocks     []TimeBlockView `json:"time_blocks"`
}

// TimeBlockView is a time block inside a cached day, ordered by start time.
type TimeBlockView struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	StartTime string             `json:"start_time"`
	EndTime   string             `json:"end_time"`
	Items     []ScheduleItemView `json:"items"`
}

// ScheduleItemView is a schedule item inside a cached block, ordered by
// order position.
type ScheduleItemView struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	OrderPosition int                   `json:"order_position"`
	Completed     bool                  `json:"completed"`
	CompletedBy   string                `json:"completed_by,omitempty"`
	CompletedAt   string                `json:"completed_at,omitempty"`
	Instance      *TemplateInstanceView `json:"template_instance,omitempty"`
}

// TemplateInstanceView is a checklist instance attached to a schedule item.
type TemplateInstanceView struct {
	ID         string             `json:"id"`
	TemplateID string             `json:"template_id"`
	Steps      []TemplateStepView `json:"steps"`
}

// TemplateStepView is one checklist step of a template instance.
type TemplateStepView struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	OrderPosition int    `json:"order_position"`
	Completed     bool   `json:"completed"`
}

// TemplateView is one family-scoped checklist template.
type TemplateView struct {
	ID          string   `json:"id"`
	FamilyID    string   `json:"family_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	StepTitles  []string `json:"step_titles,omitempty"`
}

func (d *DaySchedule) clone() *DaySchedule {
	if d == nil {
		return nil
	}
	cloned := *d
	cloned.Blocks = make([]TimeBlockView, len(d.Blocks))
	for i, block := range d.Blocks {
		cloned.Blocks[i] = block.clone()
	}
	return &cloned
}

func (b TimeBlockView) clone() TimeBlockView {
	cloned := b
	cloned.Items = make([]ScheduleItemView, len(b.Items))
	for i, item := range b.Items {
		cloned.Items[i] = item.clone()
	}
	return cloned
}

func (v ScheduleItemView) clone() ScheduleItemView {
	cloned := v
	if v.Instance != nil {
		instance := *v.Instance
		instance.Steps = append([]TemplateStepView(nil), v.Instance.Steps...)
		cloned.Instance = &instance
	}
	return cloned
}

func cloneTemplates(templates []TemplateView) []TemplateView {
	cloned := make([]TemplateView, len(templates))
	for i, template := range templates {
		cloned[i] = template
		cloned[i].StepTitles = append([]string(nil), template.StepTitles...)
	}
	return cloned
}
