package server

import (
	"time"

	"taskboard/internal/domain"
)

type TaskCreateRequest struct {
	Title          string `json:"title" doc:"Unique, non-empty; must not equal a column name"`
	Description    string `json:"description,omitempty"`
	AssignedUserID string `json:"assigned_user_id,omitempty"`
	Status         string `json:"status,omitempty" doc:"Todo, In Progress or Done (default Todo)"`
	Priority       string `json:"priority,omitempty" doc:"Low, Medium or High (default Medium)"`
}

// TaskUpdateRequest carries a partial update. Omitted fields stay as they
// are; null or "" clears description and assigned_user_id.
type TaskUpdateRequest struct {
	Title             *string    `json:"title,omitempty"`
	Description       *string    `json:"description,omitempty" nullable:"true"`
	AssignedUserID    *string    `json:"assigned_user_id,omitempty" nullable:"true"`
	Status            *string    `json:"status,omitempty"`
	Priority          *string    `json:"priority,omitempty"`
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at,omitempty" doc:"updated_at the client last saw; omit to overwrite unconditionally"`
}

func (r TaskUpdateRequest) patch() domain.TaskPatch {
	p := domain.TaskPatch{
		Title:          r.Title,
		Description:    r.Description,
		AssignedUserID: r.AssignedUserID,
	}
	if r.Status != nil {
		s := domain.Status(*r.Status)
		p.Status = &s
	}
	if r.Priority != nil {
		pr := domain.Priority(*r.Priority)
		p.Priority = &pr
	}
	return p
}

type TaskListResponse struct {
	Items []domain.TaskView `json:"items"`
}

type DeleteResponse struct {
	Msg string `json:"msg"`
	ID  string `json:"id"`
}

type ActionListResponse struct {
	Items []domain.ActionView `json:"items"`
}

type UserListResponse struct {
	Items []domain.User `json:"items"`
}

type MeResponse struct {
	UserID string       `json:"user_id"`
	User   *domain.User `json:"user,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Stream payloads. Each event name maps to its own type so the stream can
// label messages.
type TaskCreatedEvent struct {
	domain.TaskView
}

type TaskUpdatedEvent struct {
	domain.TaskView
}

type TaskDeletedEvent struct {
	domain.TaskDeleted
}

type ActionLoggedEvent struct {
	domain.ActionView
}
