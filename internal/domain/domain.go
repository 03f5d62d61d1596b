package domain

import "time"

type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusDone}

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type ActionKind string

const (
	ActionCreate      ActionKind = "create"
	ActionUpdate      ActionKind = "update"
	ActionDelete      ActionKind = "delete"
	ActionSmartAssign ActionKind = "smart-assign"
)

type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	AssignedUserID *string   `json:"assigned_user_id,omitempty"`
	Status         Status    `json:"status" enum:"Todo,In Progress,Done"`
	Priority       Priority  `json:"priority" enum:"Low,Medium,High"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no memory with t.
func (t Task) Clone() Task {
	c := t
	if t.AssignedUserID != nil {
		id := *t.AssignedUserID
		c.AssignedUserID = &id
	}
	return c
}

// TaskPatch lists the fields a caller may change on an existing task.
// A nil field is left untouched. A pointer to "" clears Description or
// AssignedUserID.
type TaskPatch struct {
	Title          *string   `json:"title,omitempty"`
	Description    *string   `json:"description,omitempty"`
	AssignedUserID *string   `json:"assigned_user_id,omitempty"`
	Status         *Status   `json:"status,omitempty"`
	Priority       *Priority `json:"priority,omitempty"`
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.AssignedUserID == nil && p.Status == nil && p.Priority == nil
}

// Merge applies p on top of current and returns the result. Timestamps and
// identity are carried over unchanged.
func Merge(current Task, p TaskPatch) Task {
	next := current.Clone()
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.AssignedUserID != nil {
		if *p.AssignedUserID == "" {
			next.AssignedUserID = nil
		} else {
			id := *p.AssignedUserID
			next.AssignedUserID = &id
		}
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	return next
}

// SameContent reports whether a and b hold the same mutable field values.
func SameContent(a, b Task) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Status != b.Status || a.Priority != b.Priority {
		return false
	}
	switch {
	case a.AssignedUserID == nil && b.AssignedUserID == nil:
		return true
	case a.AssignedUserID == nil || b.AssignedUserID == nil:
		return false
	default:
		return *a.AssignedUserID == *b.AssignedUserID
	}
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// UserRef is the display subset of a user embedded in broadcast payloads.
type UserRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (u User) Ref() *UserRef {
	return &UserRef{ID: u.ID, Email: u.Email, Name: u.Name}
}

type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TaskView is a task with its assignee resolved.
type TaskView struct {
	Task
	AssignedUser *UserRef `json:"assigned_user,omitempty"`
}

type ActionLog struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      ActionKind `json:"kind" enum:"create,update,delete,smart-assign"`
	TaskID    *string    `json:"task_id,omitempty"`
	Snapshot  Task       `json:"snapshot"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActionView is an audit entry with user and task references resolved.
type ActionView struct {
	ActionLog
	User *UserRef `json:"user,omitempty"`
	Task *TaskRef `json:"task,omitempty"`
}

// TaskDeleted is the broadcast payload for a removed task.
type TaskDeleted struct {
	ID string `json:"id"`
}
