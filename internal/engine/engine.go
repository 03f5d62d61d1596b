package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"taskboard/internal/audit"
	"taskboard/internal/domain"
	"taskboard/internal/engine/balance"
	"taskboard/internal/hub"
	"taskboard/internal/repo"
)

const DefaultRecentLimit = 20

// Store is the record store the engine runs on. repo.Repo and
// mongorepo.Store implement it.
type Store interface {
	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	UpdateTask(ctx context.Context, next domain.Task, expected *time.Time) (domain.Task, error)
	AssignTask(ctx context.Context, id, userID string) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
	ActiveLoads(ctx context.Context) (map[string]int, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	InsertAction(ctx context.Context, a domain.ActionLog) error
	RecentActions(ctx context.Context, limit int) ([]domain.ActionLog, error)
}

type Publisher interface {
	Publish(name string, payload any) hub.Event
}

type Engine struct {
	Store       Store
	Audit       audit.Logger
	Hub         Publisher
	Log         logrus.FieldLogger
	Now         func() time.Time
	RecentLimit int

	locks *taskLocks
}

func New(store Store, h Publisher, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{
		Store:       store,
		Audit:       audit.Logger{Store: store, Now: time.Now},
		Hub:         h,
		Log:         log.WithField("component", "engine"),
		Now:         time.Now,
		RecentLimit: DefaultRecentLimit,
		locks:       newTaskLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title          string
	Description    string
	AssignedUserID string
	Status         domain.Status
	Priority       domain.Priority
	ActorID        string
}

// TaskUpdateOptions describe a partial update. A nil ExpectedUpdatedAt
// skips the version check and the write wins unconditionally.
type TaskUpdateOptions struct {
	ID                string
	Patch             domain.TaskPatch
	ExpectedUpdatedAt *time.Time
	ActorID           string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.TaskView, error) {
	title, err := validateTitle(opts.Title)
	if err != nil {
		return domain.TaskView{}, err
	}
	if opts.Status == "" {
		opts.Status = domain.StatusTodo
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if err := validateEnums(&opts.Status, &opts.Priority); err != nil {
		return domain.TaskView{}, err
	}
	id := uuid.NewString()
	defer e.locks.lock(id)()
	t := domain.Task{
		ID:          id,
		Title:       title,
		Description: opts.Description,
		Status:      opts.Status,
		Priority:    opts.Priority,
		CreatedAt:   e.now(),
	}
	if opts.AssignedUserID != "" {
		if err := e.ensureUser(ctx, opts.AssignedUserID); err != nil {
			return domain.TaskView{}, err
		}
		assignee := opts.AssignedUserID
		t.AssignedUserID = &assignee
	}
	stored, err := e.Store.InsertTask(ctx, t)
	if err != nil {
		return domain.TaskView{}, e.storeErr(err, title)
	}
	view := e.view(ctx, stored)
	warn := e.commit(ctx, opts.ActorID, domain.ActionCreate, stored, hub.EventTaskCreated, view)
	return view, warn
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.TaskView, error) {
	defer e.locks.lock(opts.ID)()
	cur, err := e.Store.GetTask(ctx, opts.ID)
	if err != nil {
		return domain.TaskView{}, e.storeErr(err, "")
	}
	if opts.ExpectedUpdatedAt != nil && !cur.UpdatedAt.Equal(*opts.ExpectedUpdatedAt) {
		return domain.TaskView{}, versionConflict(cur, opts.Patch, *opts.ExpectedUpdatedAt)
	}
	if opts.Patch.Empty() {
		return e.view(ctx, cur), nil
	}
	patch, err := e.normalizePatch(ctx, opts.Patch)
	if err != nil {
		return domain.TaskView{}, err
	}
	next := domain.Merge(cur, patch)
	if domain.SameContent(cur, next) {
		return e.view(ctx, cur), nil
	}
	written, err := e.Store.UpdateTask(ctx, next, opts.ExpectedUpdatedAt)
	if errors.Is(err, repo.ErrStale) {
		server, gerr := e.Store.GetTask(ctx, opts.ID)
		if gerr != nil {
			return domain.TaskView{}, e.storeErr(gerr, "")
		}
		return domain.TaskView{}, versionConflict(server, patch, *opts.ExpectedUpdatedAt)
	}
	if err != nil {
		return domain.TaskView{}, e.storeErr(err, next.Title)
	}
	view := e.view(ctx, written)
	warn := e.commit(ctx, opts.ActorID, domain.ActionUpdate, written, hub.EventTaskUpdated, view)
	return view, warn
}

// DeleteTask removes a task without a version check and returns its last
// state.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) (domain.Task, error) {
	defer e.locks.lock(id)()
	removed, err := e.Store.DeleteTask(ctx, id)
	if err != nil {
		return domain.Task{}, e.storeErr(err, "")
	}
	warn := e.commit(ctx, actorID, domain.ActionDelete, removed, hub.EventTaskDeleted, domain.TaskDeleted{ID: removed.ID})
	return removed, warn
}

// SmartAssign hands the task to the user with the fewest unfinished tasks.
func (e Engine) SmartAssign(ctx context.Context, id, actorID string) (domain.TaskView, error) {
	defer e.locks.lock(id)()
	if _, err := e.Store.GetTask(ctx, id); err != nil {
		return domain.TaskView{}, e.storeErr(err, "")
	}
	users, err := e.Store.ListUsers(ctx)
	if err != nil {
		return domain.TaskView{}, fmt.Errorf("list users: %w", err)
	}
	loads, err := e.Store.ActiveLoads(ctx)
	if err != nil {
		return domain.TaskView{}, fmt.Errorf("active loads: %w", err)
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	pick, err := balance.Pick(ids, loads)
	if err != nil {
		return domain.TaskView{}, err
	}
	written, err := e.Store.AssignTask(ctx, id, pick)
	if err != nil {
		return domain.TaskView{}, e.storeErr(err, "")
	}
	e.logger().WithFields(logrus.Fields{"task_id": id, "user_id": pick, "load": loads[pick]}).Debug("smart assign")
	view := e.view(ctx, written)
	warn := e.commit(ctx, actorID, domain.ActionSmartAssign, written, hub.EventTaskUpdated, view)
	return view, warn
}

// ListTasks returns every task with its assignee resolved, oldest first.
func (e Engine) ListTasks(ctx context.Context) ([]domain.TaskView, error) {
	tasks, err := e.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	users, err := e.userIndex(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.TaskView, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, viewWith(t, users))
	}
	return res, nil
}

// RecentActions returns the newest audit entries first. A non-positive
// limit uses the configured default.
func (e Engine) RecentActions(ctx context.Context, limit int) ([]domain.ActionView, error) {
	if limit <= 0 {
		limit = e.RecentLimit
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	entries, err := e.Store.RecentActions(ctx, limit)
	if err != nil {
		return nil, err
	}
	users, err := e.userIndex(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := e.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	res := make([]domain.ActionView, 0, len(entries))
	for _, a := range entries {
		v := domain.ActionView{ActionLog: a}
		if u, ok := users[a.UserID]; ok {
			v.User = u.Ref()
		}
		if a.TaskID != nil {
			if title, ok := titles[*a.TaskID]; ok {
				v.Task = &domain.TaskRef{ID: *a.TaskID, Title: title}
			}
		}
		res = append(res, v)
	}
	return res, nil
}

func (e Engine) Users(ctx context.Context) ([]domain.User, error) {
	return e.Store.ListUsers(ctx)
}

// LookupUser resolves a principal id to a directory entry.
func (e Engine) LookupUser(ctx context.Context, id string) (domain.User, error) {
	u, err := e.Store.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, ErrUnknownUser
	}
	return u, err
}

// commit appends the audit entry for a persisted mutation and broadcasts it.
// Callers hold the task's lock.
// An audit failure still broadcasts the task event but skips actionLogged.
func (e Engine) commit(ctx context.Context, actorID string, kind domain.ActionKind, task domain.Task, name string, payload any) error {
	entry, err := e.Audit.Append(ctx, actorID, kind, task)
	e.publish(name, payload)
	if err != nil {
		e.logger().WithFields(logrus.Fields{"task_id": task.ID, "user_id": actorID, "kind": kind}).WithError(err).
			Warn("mutation committed without audit entry")
		return &AuditWarning{Kind: kind, Err: err}
	}
	view := domain.ActionView{ActionLog: entry}
	if u, err := e.Store.GetUser(ctx, actorID); err == nil {
		view.User = u.Ref()
	}
	if kind != domain.ActionDelete {
		view.Task = &domain.TaskRef{ID: task.ID, Title: task.Title}
	}
	e.publish(hub.EventActionLogged, view)
	return nil
}

func (e Engine) publish(name string, payload any) {
	if e.Hub == nil {
		return
	}
	evt := e.Hub.Publish(name, payload)
	e.logger().WithFields(logrus.Fields{"event": name, "seq": evt.Seq}).Debug("broadcast")
}

func (e Engine) view(ctx context.Context, t domain.Task) domain.TaskView {
	v := domain.TaskView{Task: t}
	if t.AssignedUserID != nil {
		if u, err := e.Store.GetUser(ctx, *t.AssignedUserID); err == nil {
			v.AssignedUser = u.Ref()
		}
	}
	return v
}

func (e Engine) userIndex(ctx context.Context) (map[string]domain.User, error) {
	users, err := e.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]domain.User, len(users))
	for _, u := range users {
		idx[u.ID] = u
	}
	return idx, nil
}

func viewWith(t domain.Task, users map[string]domain.User) domain.TaskView {
	v := domain.TaskView{Task: t}
	if t.AssignedUserID != nil {
		if u, ok := users[*t.AssignedUserID]; ok {
			v.AssignedUser = u.Ref()
		}
	}
	return v
}

func (e Engine) ensureUser(ctx context.Context, id string) error {
	_, err := e.Store.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return &ValidationError{Field: "assigned_user_id", Reason: fmt.Sprintf("user %s does not exist", id)}
	}
	return err
}

// normalizePatch trims and validates every field the patch sets.
func (e Engine) normalizePatch(ctx context.Context, p domain.TaskPatch) (domain.TaskPatch, error) {
	if p.Title != nil {
		title, err := validateTitle(*p.Title)
		if err != nil {
			return p, err
		}
		p.Title = &title
	}
	if p.Status != nil && !p.Status.Valid() {
		return p, &ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of Todo, In Progress, Done; got %q", *p.Status)}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return p, &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be one of Low, Medium, High; got %q", *p.Priority)}
	}
	if p.AssignedUserID != nil && *p.AssignedUserID != "" {
		if err := e.ensureUser(ctx, *p.AssignedUserID); err != nil {
			return p, err
		}
	}
	return p, nil
}

func validateTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", &ValidationError{Field: "title", Reason: "required"}
	}
	for _, s := range domain.Statuses {
		if title == string(s) {
			return "", &ValidationError{Field: "title", Reason: "cannot match column names"}
		}
	}
	return title, nil
}

func validateEnums(status *domain.Status, priority *domain.Priority) error {
	if !status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("must be one of Todo, In Progress, Done; got %q", *status)}
	}
	if !priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be one of Low, Medium, High; got %q", *priority)}
	}
	return nil
}

func versionConflict(server domain.Task, p domain.TaskPatch, expected time.Time) *VersionConflictError {
	merged := domain.Merge(server, p)
	merged.UpdatedAt = expected
	return &VersionConflictError{Server: server.Clone(), Merged: merged}
}

// storeErr translates store sentinels into engine errors.
func (e Engine) storeErr(err error, title string) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repo.ErrDuplicateTitle):
		return &ConflictError{Field: "title", Value: title}
	}
	return err
}
