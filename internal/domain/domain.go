package domain

// RuleKind discriminates the duration rule variants of a template step.
type RuleKind string

const (
	RuleFixed           RuleKind = "fixed"
	RuleDependent       RuleKind = "dependent"
	RuleAskOnCompletion RuleKind = "ask_on_completion"
)

// DurationRule is the tagged schedule rule for one step. Days/Hours are the
// offset from the base date and are only meaningful for fixed/dependent.
type DurationRule struct {
	Kind  RuleKind `json:"kind" yaml:"kind" enum:"fixed,dependent,ask_on_completion"`
	Days  int      `json:"days,omitempty" yaml:"days,omitempty"`
	Hours int      `json:"hours,omitempty" yaml:"hours,omitempty"`
}

// Stored step statuses. Overdue is derived, never stored.
const (
	StatusNotStarted   = "not_started"
	StatusAwaitingDate = "awaiting_date"
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusHeld         = "held"
	StatusTerminated   = "terminated"
	StatusDone         = "done"
)

// FrequencySettings control the weekend-shift policy of a template.
type FrequencySettings struct {
	IncludeSunday       bool `json:"include_sunday" yaml:"include_sunday"`
	ShiftSundayToMonday bool `json:"shift_sunday_to_monday" yaml:"shift_sunday_to_monday"`
}

type StepDef struct {
	StepNo               int          `json:"step_no" yaml:"step_no"`
	Description          string       `json:"description" yaml:"description"`
	Method               string       `json:"method,omitempty" yaml:"method,omitempty"`
	Assignees            []string     `json:"assignees" yaml:"assignees"`
	Rule                 DurationRule `json:"rule" yaml:"rule"`
	ChecklistRequired    bool         `json:"checklist_required" yaml:"checklist_required"`
	ChecklistTemplate    []string     `json:"checklist_template,omitempty" yaml:"checklist_template,omitempty"`
	AttachmentsRequired  bool         `json:"attachments_required" yaml:"attachments_required"`
	AttachmentsMandatory bool         `json:"attachments_mandatory" yaml:"attachments_mandatory"`
	SkipOnTerminate      bool         `json:"skip_on_terminate,omitempty" yaml:"skip_on_terminate,omitempty"`
}

// Template is a reusable ordered step definition. LockedAt is set on first
// instantiation; a locked template rejects edits.
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Category  string            `json:"category,omitempty"`
	Frequency FrequencySettings `json:"frequency"`
	Steps     []StepDef         `json:"steps"`
	CreatedBy string            `json:"created_by"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	LockedAt  *string           `json:"locked_at,omitempty" format:"date-time"`
}

type Project struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	StartDate  string `json:"start_date" format:"date-time"`
	Status     string `json:"status" enum:"active,completed"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ChecklistItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type Attachment struct {
	Filename   string `json:"filename"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	UploadedBy string `json:"uploaded_by"`
	UploadedAt string `json:"uploaded_at" format:"date-time"`
}

// TaskInstance is one step's live state within a project. The step definition
// is snapshotted at instantiation so later template edits never reach it.
type TaskInstance struct {
	ProjectID            string          `json:"project_id"`
	StepNo               int             `json:"step_no"`
	Description          string          `json:"description"`
	Method               string          `json:"method,omitempty"`
	Assignees            []string        `json:"assignees"`
	Rule                 DurationRule    `json:"rule"`
	ChecklistRequired    bool            `json:"checklist_required"`
	AttachmentsRequired  bool            `json:"attachments_required"`
	AttachmentsMandatory bool            `json:"attachments_mandatory"`
	SkipOnTerminate      bool            `json:"skip_on_terminate,omitempty"`
	Status               string          `json:"status" enum:"not_started,awaiting_date,pending,in_progress,held,terminated,done"`
	PlannedDueDate       *string         `json:"planned_due_date,omitempty" format:"date-time"`
	ActualCompletedOn    *string         `json:"actual_completed_on,omitempty" format:"date-time"`
	CompletedBy          *string         `json:"completed_by,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	ChecklistItems       []ChecklistItem `json:"checklist_items,omitempty"`
	Attachments          []Attachment    `json:"attachments,omitempty"`
	Version              int             `json:"version"`
	UpdatedAt            string          `json:"updated_at" format:"date-time"`
}

// Overdue reports the derived overdue property against the supplied RFC3339
// instant. RFC3339 strings compare lexicographically in UTC.
func (t TaskInstance) Overdue(now string) bool {
	if t.Status == StatusDone || t.Status == StatusTerminated || t.PlannedDueDate == nil {
		return false
	}
	return *t.PlannedDueDate < now
}

// Assigned reports whether actorID is a current assignee of the step.
func (t TaskInstance) Assigned(actorID string) bool {
	for _, a := range t.Assignees {
		if a == actorID {
			return true
		}
	}
	return false
}

// Objection types.
const (
	ObjectionDateChange = "date_change"
	ObjectionHold       = "hold"
	ObjectionTerminate  = "terminate"
)

type Objection struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	StepNo             int     `json:"step_no"`
	Type               string  `json:"type" enum:"date_change,hold,terminate"`
	RequestedDate      *string `json:"requested_date,omitempty" format:"date-time"`
	ExtraDaysRequested *int    `json:"extra_days_requested,omitempty"`
	Remarks            string  `json:"remarks,omitempty"`
	RequestedBy        string  `json:"requested_by"`
	RequestedAt        string  `json:"requested_at" format:"date-time"`
	Status             string  `json:"status" enum:"pending,approved,rejected"`
	ApprovalRemarks    *string `json:"approval_remarks,omitempty"`
	ApprovedBy         *string `json:"approved_by,omitempty"`
	ApprovedAt         *string `json:"approved_at,omitempty" format:"date-time"`
}

// ScoreLog is an immutable punctuality record, written exactly once per
// completed unit of work. Corrections are compensating rows, never updates.
type ScoreLog struct {
	ID              string  `json:"id"`
	EntityType      string  `json:"entity_type" enum:"task,fms,checklist"`
	EntityID        string  `json:"entity_id"`
	UserID          string  `json:"user_id"`
	PlannedDate     *string `json:"planned_date,omitempty" format:"date-time"`
	CompletedDate   string  `json:"completed_date" format:"date-time"`
	PlannedDays     int     `json:"planned_days"`
	ActualDays      int     `json:"actual_days"`
	WasOnTime       bool    `json:"was_on_time"`
	ScorePercentage float64 `json:"score_percentage"`
	ScoreImpacted   bool    `json:"score_impacted"`
	ImpactReason    *string `json:"impact_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type ForwardingEntry struct {
	From        string `json:"from"`
	To          string `json:"to"`
	DueDate     string `json:"due_date" format:"date-time"`
	Remarks     string `json:"remarks,omitempty"`
	ForwardedAt string `json:"forwarded_at" format:"date-time"`
}

// MultiLevelTask is an ad-hoc delegated task outside any template. Forwarding
// reassigns it and strictly extends ForwardingHistory.
type MultiLevelTask struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	AssignedBy        string            `json:"assigned_by"`
	AssignedTo        string            `json:"assigned_to"`
	DueDate           string            `json:"due_date" format:"date-time"`
	Status            string            `json:"status" enum:"pending,in_progress,done"`
	CompletionRemarks *string           `json:"completion_remarks,omitempty"`
	CompletedAt       *string           `json:"completed_at,omitempty" format:"date-time"`
	ChecklistItems    []ChecklistItem   `json:"checklist_items,omitempty"`
	ForwardingHistory []ForwardingEntry `json:"forwarding_history,omitempty"`
	Version           int               `json:"version"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
