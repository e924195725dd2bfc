package server

import (
	"time"

	"flowline/internal/domain"
	"flowline/internal/engine"
)

// Request payloads

type CreateTemplateRequest struct {
	ID        string                    `json:"id,omitempty"`
	Name      string                    `json:"name"`
	Category  string                    `json:"category,omitempty"`
	Frequency *domain.FrequencySettings `json:"frequency,omitempty"`
	Steps     []domain.StepDef          `json:"steps"`
}

type UpdateTemplateRequest struct {
	Name      string                    `json:"name,omitempty"`
	Category  string                    `json:"category,omitempty"`
	Frequency *domain.FrequencySettings `json:"frequency,omitempty"`
	Steps     []domain.StepDef          `json:"steps,omitempty"`
}

type CreateProjectRequest struct {
	ID         string `json:"id,omitempty"`
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	StartDate  string `json:"start_date"`
}

type ChecklistUpdateRequest struct {
	ID        string `json:"id"`
	Completed bool   `json:"completed"`
}

type StepTransitionRequest struct {
	Status         string                   `json:"status,omitempty" enum:",in_progress,done"`
	Notes          string                   `json:"notes,omitempty"`
	Checklist      []ChecklistUpdateRequest `json:"checklist,omitempty"`
	Attachments    []domain.Attachment      `json:"attachments,omitempty"`
	PlannedDueDate string                   `json:"planned_due_date,omitempty"`
	NextStepDate   string                   `json:"next_step_date,omitempty"`
}

type SeedDateRequest struct {
	Date string `json:"date"`
}

type AdminStatusRequest struct {
	Status string `json:"status" enum:"not_started,awaiting_date,pending,in_progress,held,terminated,done"`
	Reason string `json:"reason"`
}

type AdminDueDateRequest struct {
	DueDate string `json:"due_date"`
	Reason  string `json:"reason"`
}

type RaiseObjectionRequest struct {
	Type               string `json:"type" enum:"date_change,hold,terminate"`
	RequestedDate      string `json:"requested_date,omitempty"`
	ExtraDaysRequested int    `json:"extra_days_requested,omitempty"`
	Remarks            string `json:"remarks,omitempty"`
}

type ResolveObjectionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Remarks  string `json:"remarks,omitempty"`
}

type ReleaseHoldRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

type CreateMultiLevelTaskRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AssignedTo  string   `json:"assigned_to"`
	DueDate     string   `json:"due_date"`
	Checklist   []string `json:"checklist,omitempty"`
}

type ForwardTaskRequest struct {
	ForwardTo string `json:"forward_to"`
	DueDate   string `json:"due_date"`
	Remarks   string `json:"remarks,omitempty"`
}

type CompleteTaskRequest struct {
	CompletionRemarks string                   `json:"completion_remarks,omitempty"`
	Checklist         []ChecklistUpdateRequest `json:"checklist,omitempty"`
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	// ActorID defaults to the caller; minting for someone else needs an
	// approver.
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

// TaskResponse is a task instance plus its derived overdue flag.
type TaskResponse struct {
	domain.TaskInstance
	Overdue bool `json:"overdue"`
}

type ProjectDetailResponse struct {
	Project    domain.Project `json:"project"`
	Tasks      []TaskResponse `json:"tasks"`
	TaskCounts map[string]int `json:"task_counts"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is returned exactly once at creation; only its hash is stored.
	Key string `json:"key"`
}

type MeResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

func taskResponse(t domain.TaskInstance, now time.Time) TaskResponse {
	return TaskResponse{
		TaskInstance: t,
		Overdue:      t.Overdue(now.UTC().Format(time.RFC3339)),
	}
}

func mapTasks(tasks []domain.TaskInstance, now time.Time) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskResponse(t, now))
	}
	return res
}

func mapChecklist(in []ChecklistUpdateRequest) []engine.ChecklistUpdate {
	res := make([]engine.ChecklistUpdate, 0, len(in))
	for _, u := range in {
		res = append(res, engine.ChecklistUpdate{ID: u.ID, Completed: u.Completed})
	}
	return res
}
