package engine_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/engine"
	"taskboard/internal/hub"
	"taskboard/internal/migrate"
	"taskboard/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Hub    *hub.Hub
	Sub    *hub.Subscription
	Ctx    context.Context
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T, users ...string) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	for _, id := range users {
		if _, err := r.InsertUser(ctx, domain.User{ID: id, Email: id + "@example.com", Name: id}); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	h := hub.New(256, quietLogger())
	sub := h.Subscribe("test")
	eng := engine.New(r, h, quietLogger())
	return testEnv{Engine: eng, Repo: r, Hub: h, Sub: sub, Ctx: ctx}
}

// drain returns every event queued on the test subscription.
func (env testEnv) drain() []hub.Event {
	var res []hub.Event
	for {
		select {
		case evt := <-env.Sub.Events():
			res = append(res, evt)
		default:
			return res
		}
	}
}

func eventNames(evts []hub.Event) []string {
	names := make([]string, 0, len(evts))
	for _, e := range evts {
		names = append(names, e.Name)
	}
	return names
}

func (env testEnv) actions(t *testing.T) []domain.ActionLog {
	t.Helper()
	res, err := env.Repo.RecentActions(env.Ctx, 1000)
	if err != nil {
		t.Fatalf("recent actions: %v", err)
	}
	return res
}

func strPtr(s string) *string { return &s }

func statusPtr(s domain.Status) *domain.Status { return &s }

func assertNames(t *testing.T, got []hub.Event, want ...string) {
	t.Helper()
	names := eventNames(got)
	if len(names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, names)
		}
	}
}

func TestCreateTaskDefaultsAuditAndBroadcast(t *testing.T) {
	env := newTestEnv(t, "u1")
	view, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "  Fix bug  ", ActorID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Title != "Fix bug" || view.Status != domain.StatusTodo || view.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected task %+v", view.Task)
	}
	if view.ID == "" || view.UpdatedAt.IsZero() || !view.UpdatedAt.Equal(view.CreatedAt) {
		t.Fatalf("unexpected identity/timestamps %+v", view.Task)
	}
	acts := env.actions(t)
	if len(acts) != 1 || acts[0].Kind != domain.ActionCreate || acts[0].UserID != "u1" {
		t.Fatalf("expected one create entry, got %+v", acts)
	}
	if acts[0].Snapshot.Title != "Fix bug" || !acts[0].Snapshot.UpdatedAt.Equal(view.UpdatedAt) {
		t.Fatalf("snapshot mismatch %+v", acts[0].Snapshot)
	}
	evts := env.drain()
	assertNames(t, evts, hub.EventTaskCreated, hub.EventActionLogged)
	logged, ok := evts[1].Payload.(domain.ActionView)
	if !ok {
		t.Fatalf("unexpected actionLogged payload %T", evts[1].Payload)
	}
	if logged.User == nil || logged.User.Email != "u1@example.com" || logged.Task == nil || logged.Task.Title != "Fix bug" {
		t.Fatalf("actionLogged not populated: %+v", logged)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, "u1")
	cases := []engine.TaskCreateOptions{
		{Title: ""},
		{Title: "   "},
		{Title: "Todo"},
		{Title: "In Progress", Priority: domain.PriorityHigh},
		{Title: " Done "},
		{Title: "ok", Status: "Blocked"},
		{Title: "ok", Priority: "Urgent"},
		{Title: "ok", AssignedUserID: "ghost"},
	}
	for _, opts := range cases {
		opts.ActorID = "u1"
		_, err := env.Engine.CreateTask(env.Ctx, opts)
		var verr *engine.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%+v: expected ValidationError, got %v", opts, err)
		}
	}
	if acts := env.actions(t); len(acts) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(acts))
	}
	if evts := env.drain(); len(evts) != 0 {
		t.Fatalf("expected no broadcast, got %v", eventNames(evts))
	}
}

func TestReservedTitleIsCaseSensitive(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "todo", ActorID: "u1"}); err != nil {
		t.Fatalf("lowercase title should be allowed: %v", err)
	}
}

func TestDuplicateTitle(t *testing.T) {
	env := newTestEnv(t, "u1")
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Ship it", ActorID: "u1"}); err != nil {
		t.Fatal(err)
	}
	env.drain()
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Ship it ", ActorID: "u1"})
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) || cerr.Field != "title" {
		t.Fatalf("expected title ConflictError, got %v", err)
	}
	if !errors.Is(err, engine.ErrDuplicateTitle) {
		t.Fatalf("expected errors.Is ErrDuplicateTitle")
	}
	tasks, err := env.Engine.ListTasks(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	if acts := env.actions(t); len(acts) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(acts))
	}
	if evts := env.drain(); len(evts) != 0 {
		t.Fatalf("expected no broadcast, got %v", eventNames(evts))
	}
}

func TestUpdateOptimisticLock(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Locked", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	t0 := created.UpdatedAt
	env.drain()

	updated, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: created.ID, Patch: domain.TaskPatch{Status: statusPtr(domain.StatusInProgress)}, ExpectedUpdatedAt: &t0, ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.UpdatedAt.After(t0) {
		t.Fatalf("expected updated_at to advance past %v, got %v", t0, updated.UpdatedAt)
	}

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: created.ID, Patch: domain.TaskPatch{Title: strPtr("Renamed")}, ExpectedUpdatedAt: &t0, ActorID: "u1",
	})
	var verr *engine.VersionConflictError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if verr.Server.Status != domain.StatusInProgress || !verr.Server.UpdatedAt.Equal(updated.UpdatedAt) {
		t.Fatalf("server version mismatch %+v", verr.Server)
	}
	if verr.Merged.Title != "Renamed" || verr.Merged.Status != domain.StatusInProgress || !verr.Merged.UpdatedAt.Equal(t0) {
		t.Fatalf("merged version mismatch %+v", verr.Merged)
	}

	stored, err := env.Repo.GetTask(env.Ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Title != "Locked" || !stored.UpdatedAt.Equal(updated.UpdatedAt) {
		t.Fatalf("conflicting update changed the record: %+v", stored)
	}
	if acts := env.actions(t); len(acts) != 2 {
		t.Fatalf("expected create+update entries only, got %d", len(acts))
	}
	assertNames(t, env.drain(), hub.EventTaskUpdated, hub.EventActionLogged)
}

func TestConcurrentUpdatesOneWins(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Race", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	t0 := created.UpdatedAt
	titles := []string{"A", "B", "C", "D", "E", "F"}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, title := range titles {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
				ID: created.ID, Patch: domain.TaskPatch{Title: strPtr(title)}, ExpectedUpdatedAt: &t0, ActorID: "u1",
			})
			mu.Lock()
			defer mu.Unlock()
			var verr *engine.VersionConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &verr):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(title)
	}
	wg.Wait()
	if wins != 1 || conflicts != len(titles)-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
	if acts := env.actions(t); len(acts) != 2 {
		t.Fatalf("expected create plus one update entry, got %d", len(acts))
	}
}

func TestUpdateWithoutVersionIsLastWriteWins(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "LWW", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{Description: strPtr("one")}, ActorID: "u1"}); err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{Description: strPtr("two")}, ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if view.Description != "two" {
		t.Fatalf("expected last write to win, got %q", view.Description)
	}
}

func TestNoopUpdateWritesNothing(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Same", Priority: domain.PriorityLow, ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	env.drain()
	view, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: created.ID, Patch: domain.TaskPatch{Title: strPtr(" Same "), Status: statusPtr(domain.StatusTodo)}, ActorID: "u1",
	})
	if err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if !view.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("noop update advanced updated_at")
	}
	if acts := env.actions(t); len(acts) != 1 {
		t.Fatalf("expected no new audit entry, got %d", len(acts))
	}
	if evts := env.drain(); len(evts) != 0 {
		t.Fatalf("expected no broadcast, got %v", eventNames(evts))
	}

	view, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, ActorID: "u1"})
	if err != nil {
		t.Fatalf("empty patch: %v", err)
	}
	if view.ID != created.ID || !view.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("empty patch must return the current task unchanged, got %+v", view)
	}
	stale := created.UpdatedAt.Add(-time.Second)
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, ExpectedUpdatedAt: &stale, ActorID: "u1"})
	var verr *engine.VersionConflictError
	if !errors.As(err, &verr) {
		t.Fatalf("empty patch must still honour the version check, got %v", err)
	}
	if acts := env.actions(t); len(acts) != 1 {
		t.Fatalf("expected no new audit entry, got %d", len(acts))
	}
}

func TestUpdateValidationAndNotFound(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Valid", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	var verr *engine.ValidationError
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{Title: strPtr("Done")}, ActorID: "u1"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{AssignedUserID: strPtr("ghost")}, ActorID: "u1"})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unknown assignee, got %v", err)
	}
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "missing", Patch: domain.TaskPatch{Title: strPtr("x")}, ActorID: "u1"})
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateClearsAssignee(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Owned", AssignedUserID: "u1", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if created.AssignedUser == nil || created.AssignedUser.ID != "u1" {
		t.Fatalf("expected assignee view, got %+v", created.AssignedUser)
	}
	view, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{AssignedUserID: strPtr("")}, ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if view.AssignedUserID != nil || view.AssignedUser != nil {
		t.Fatalf("expected assignee cleared, got %+v", view)
	}
}

func TestDeleteTask(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Doomed", Description: "bye", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	env.drain()
	removed, err := env.Engine.DeleteTask(env.Ctx, created.ID, "u1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed.Description != "bye" || !removed.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected pre-deletion snapshot, got %+v", removed)
	}
	evts := env.drain()
	assertNames(t, evts, hub.EventTaskDeleted, hub.EventActionLogged)
	if payload, ok := evts[0].Payload.(domain.TaskDeleted); !ok || payload.ID != created.ID {
		t.Fatalf("unexpected taskDeleted payload %#v", evts[0].Payload)
	}
	acts := env.actions(t)
	if acts[0].Kind != domain.ActionDelete || acts[0].Snapshot.Title != "Doomed" {
		t.Fatalf("unexpected delete entry %+v", acts[0])
	}
	views, err := env.Engine.RecentActions(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range views {
		if v.Task != nil {
			t.Fatalf("deleted task should not resolve: %+v", v.Task)
		}
	}

	_, err = env.Engine.DeleteTask(env.Ctx, created.ID, "u1")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if len(env.actions(t)) != 2 {
		t.Fatalf("failed delete must not write audit")
	}
	if evts := env.drain(); len(evts) != 0 {
		t.Fatalf("failed delete must not broadcast, got %v", eventNames(evts))
	}
}

func TestSmartAssignPicksLeastLoaded(t *testing.T) {
	env := newTestEnv(t, "u1", "u2", "u3")
	for _, title := range []string{"a", "b"} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title, AssignedUserID: "u1", ActorID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "old", AssignedUserID: "u2", Status: domain.StatusDone, ActorID: "u1"}); err != nil {
		t.Fatal(err)
	}
	target, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "target", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		view, err := env.Engine.SmartAssign(env.Ctx, target.ID, "u1")
		if err != nil {
			t.Fatalf("smart assign: %v", err)
		}
		if view.AssignedUserID == nil || *view.AssignedUserID != "u2" {
			t.Fatalf("expected u2, got %v", view.AssignedUserID)
		}
		if !view.UpdatedAt.After(target.UpdatedAt) {
			t.Fatalf("expected updated_at to advance")
		}
		target = view
	}
	acts := env.actions(t)
	if acts[0].Kind != domain.ActionSmartAssign || *acts[0].Snapshot.AssignedUserID != "u2" {
		t.Fatalf("unexpected audit entry %+v", acts[0])
	}
}

func TestSmartAssignErrors(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SmartAssign(env.Ctx, "missing", "u1"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "orphan", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	env.drain()
	if _, err := env.Engine.SmartAssign(env.Ctx, created.ID, "u1"); !errors.Is(err, engine.ErrNoEligibleUser) {
		t.Fatalf("expected ErrNoEligibleUser, got %v", err)
	}
	if evts := env.drain(); len(evts) != 0 {
		t.Fatalf("expected no broadcast, got %v", eventNames(evts))
	}
}

func TestSerialUpdatesBroadcastInCommitOrder(t *testing.T) {
	env := newTestEnv(t, "u1")
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "seq", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	env.drain()
	descs := []string{"1", "2", "3", "4", "5"}
	for _, d := range descs {
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{Description: strPtr(d)}, ActorID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	var prev time.Time
	for _, evt := range env.drain() {
		if evt.Name != hub.EventTaskUpdated {
			continue
		}
		v := evt.Payload.(domain.TaskView)
		if !v.UpdatedAt.After(prev) {
			t.Fatalf("updated_at not increasing across events")
		}
		prev = v.UpdatedAt
		got = append(got, v.Description)
	}
	if len(got) != len(descs) {
		t.Fatalf("expected %d updates, got %v", len(descs), got)
	}
	for i := range descs {
		if got[i] != descs[i] {
			t.Fatalf("expected order %v, got %v", descs, got)
		}
	}
}

// gatedAudit parks the audit append of any update whose snapshot title
// equals title until release is closed.
type gatedAudit struct {
	repo.Repo
	title   string
	entered chan struct{}
	release chan struct{}
}

func (g gatedAudit) InsertAction(ctx context.Context, a domain.ActionLog) error {
	if a.Kind == domain.ActionUpdate && a.Snapshot.Title == g.title {
		close(g.entered)
		<-g.release
	}
	return g.Repo.InsertAction(ctx, a)
}

func TestConcurrentUpdatesBroadcastInCommitOrder(t *testing.T) {
	env := newTestEnv(t, "u1")
	store := gatedAudit{Repo: env.Repo, title: "A", entered: make(chan struct{}), release: make(chan struct{})}
	eng := engine.New(store, env.Hub, quietLogger())
	created, err := eng.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "start", ActorID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	env.drain()

	update := func(title string) error {
		_, err := eng.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: created.ID, Patch: domain.TaskPatch{Title: strPtr(title)}, ActorID: "u1"})
		return err
	}
	errs := make(chan error, 2)
	go func() { errs <- update("A") }()
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first update never reached the audit append")
	}
	go func() { errs <- update("B") }()

	// The second writer must not get past the first one's broadcast.
	time.Sleep(100 * time.Millisecond)
	cur, err := env.Repo.GetTask(env.Ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Title != "A" {
		t.Fatalf("second update committed while the first was still broadcasting, store has %q", cur.Title)
	}
	close(store.release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	var order []string
	for _, evt := range env.drain() {
		if evt.Name == hub.EventTaskUpdated {
			order = append(order, evt.Payload.(domain.TaskView).Title)
		}
	}
	final, err := env.Repo.GetTask(env.Ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("expected broadcasts [A B], got %v", order)
	}
	if final.Title != order[len(order)-1] {
		t.Fatalf("observers end on %q but store holds %q", order[len(order)-1], final.Title)
	}
}

func TestRecentActionsNewestFirst(t *testing.T) {
	env := newTestEnv(t, "u1")
	env.Engine.RecentLimit = 3
	for _, title := range []string{"t1", "t2", "t3", "t4"} {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title, ActorID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	views, err := env.Engine.RecentActions(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 3 {
		t.Fatalf("expected default limit 3, got %d", len(views))
	}
	if views[0].Task == nil || views[0].Task.Title != "t4" || views[2].Task.Title != "t2" {
		t.Fatalf("unexpected order: %+v", views)
	}
	if views[0].User == nil || views[0].User.Name != "u1" {
		t.Fatalf("expected user resolved, got %+v", views[0].User)
	}
	views, err = env.Engine.RecentActions(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(views))
	}
}

type failingAudit struct {
	repo.Repo
}

func (failingAudit) InsertAction(context.Context, domain.ActionLog) error {
	return errors.New("audit unavailable")
}

func TestAuditFailureIsWarning(t *testing.T) {
	env := newTestEnv(t, "u1")
	store := failingAudit{Repo: env.Repo}
	eng := engine.New(store, env.Hub, quietLogger())

	view, err := eng.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Unaudited", ActorID: "u1"})
	var warn *engine.AuditWarning
	if !errors.As(err, &warn) || warn.Kind != domain.ActionCreate {
		t.Fatalf("expected AuditWarning, got %v", err)
	}
	if !engine.IsAuditWarning(err) {
		t.Fatalf("IsAuditWarning should report true")
	}
	if view.ID == "" {
		t.Fatalf("expected result alongside warning")
	}
	if _, err := env.Repo.GetTask(env.Ctx, view.ID); err != nil {
		t.Fatalf("mutation should persist: %v", err)
	}
	assertNames(t, env.drain(), hub.EventTaskCreated)
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t, "alice", "bob")
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Existing", AssignedUserID: "alice", ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	created, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Fix bug", ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != domain.StatusTodo || created.Priority != domain.PriorityMedium {
		t.Fatalf("unexpected defaults %+v", created.Task)
	}
	t0 := created.UpdatedAt

	assigned, err := env.Engine.SmartAssign(env.Ctx, created.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if assigned.AssignedUser == nil || assigned.AssignedUser.ID != "bob" {
		t.Fatalf("expected bob, got %+v", assigned.AssignedUser)
	}

	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: created.ID, Patch: domain.TaskPatch{Status: statusPtr(domain.StatusDone)}, ExpectedUpdatedAt: &t0, ActorID: "alice",
	})
	var verr *engine.VersionConflictError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if !verr.Server.UpdatedAt.Equal(assigned.UpdatedAt) {
		t.Fatalf("server version should carry the smart-assign timestamp")
	}
	if verr.Merged.Status != domain.StatusDone {
		t.Fatalf("merged view should include the patch")
	}

	acts := env.actions(t)
	kinds := []domain.ActionKind{domain.ActionSmartAssign, domain.ActionCreate, domain.ActionCreate}
	if len(acts) != len(kinds) {
		t.Fatalf("expected %d entries, got %d", len(kinds), len(acts))
	}
	for i, k := range kinds {
		if acts[i].Kind != k {
			t.Fatalf("entry %d: expected %s, got %s", i, k, acts[i].Kind)
		}
	}
}
