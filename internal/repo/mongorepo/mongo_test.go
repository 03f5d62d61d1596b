package mongorepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"taskboard/internal/domain"
	"taskboard/internal/repo"
)

func TestTaskDocRoundTrip(t *testing.T) {
	assignee := "u1"
	in := domain.Task{
		ID:             "t1",
		Title:          "Ship",
		Description:    "soon",
		AssignedUserID: &assignee,
		Status:         domain.StatusInProgress,
		Priority:       domain.PriorityHigh,
		CreatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC),
		UpdatedAt:      time.Date(2024, 5, 1, 11, 0, 0, 987654321, time.UTC),
	}
	out := toTaskDoc(in).task()
	if out.CreatedAt.Nanosecond() != 123000000 || out.UpdatedAt.Nanosecond() != 987000000 {
		t.Fatalf("timestamps must truncate to milliseconds, got %v / %v", out.CreatedAt, out.UpdatedAt)
	}
	out.CreatedAt, out.UpdatedAt = in.CreatedAt, in.UpdatedAt
	if !domain.SameContent(out, in) || out.ID != in.ID {
		t.Fatalf("round trip changed task: %+v", out)
	}
	*in.AssignedUserID = "u2"
	if *out.AssignedUserID != "u1" {
		t.Fatal("doc must not alias the caller's assignee")
	}

	empty := ""
	if toTaskDoc(domain.Task{AssignedUserID: &empty}).AssignedUser != nil {
		t.Fatal("empty assignee must be stored as null")
	}
}

func TestTaskFilter(t *testing.T) {
	f := taskFilter("t1", nil)
	if len(f) != 1 || f[0].Key != "_id" || f[0].Value != "t1" {
		t.Fatalf("unexpected filter %v", f)
	}
	expected := time.Date(2024, 1, 1, 0, 0, 0, 1500000, time.UTC)
	f = taskFilter("t1", &expected)
	if len(f) != 2 || f[1].Key != "updatedAt" {
		t.Fatalf("unexpected filter %v", f)
	}
	if got := f[1].Value.(time.Time); !got.Equal(expected.Truncate(time.Millisecond)) {
		t.Fatalf("expected truncated timestamp, got %v", got)
	}
}

func TestBumpStageAdvancesUpdatedAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := bumpStage(bson.D{{Key: "status", Value: "Done"}, {Key: "title", Value: "$100 budget"}, {Key: "assignedUser", Value: nil}}, now)
	if len(p) != 1 || p[0][0].Key != "$set" {
		t.Fatalf("expected a single $set stage, got %v", p)
	}
	set := p[0][0].Value.(bson.D)
	if len(set) != 4 {
		t.Fatalf("expected three fields plus updatedAt, got %v", set)
	}
	for i, want := range []any{"Done", "$100 budget", nil} {
		lit, ok := set[i].Value.(bson.D)
		if !ok || len(lit) != 1 || lit[0].Key != "$literal" || lit[0].Value != want {
			t.Fatalf("field %s must be set through $literal, got %v", set[i].Key, set[i].Value)
		}
	}
	last := set[len(set)-1]
	if last.Key != "updatedAt" {
		t.Fatalf("updatedAt must be the last assignment, got %v", set)
	}
	maxExpr := last.Value.(bson.D)
	if maxExpr[0].Key != "$max" {
		t.Fatalf("expected $max, got %v", maxExpr)
	}
	args := maxExpr[0].Value.(bson.A)
	if args[0] != now {
		t.Fatalf("expected now as first operand, got %v", args[0])
	}
	add := args[1].(bson.D)
	if add[0].Key != "$add" || fmt.Sprint(add[0].Value) != "[$updatedAt 1]" {
		t.Fatalf("expected previous+1ms operand, got %v", add)
	}
}

func TestLoadsPipelineExcludesDoneAndUnassigned(t *testing.T) {
	p := loadsPipeline()
	if len(p) != 2 || p[0][0].Key != "$match" || p[1][0].Key != "$group" {
		t.Fatalf("unexpected pipeline %v", p)
	}
	match := p[0][0].Value.(bson.D)
	if fmt.Sprint(match) != fmt.Sprint(bson.D{
		{Key: "status", Value: bson.D{{Key: "$ne", Value: "Done"}}},
		{Key: "assignedUser", Value: bson.D{{Key: "$ne", Value: nil}}},
	}) {
		t.Fatalf("unexpected match %v", match)
	}
}

func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if !errors.Is(mapErr(mongo.ErrNoDocuments), repo.ErrNotFound) {
		t.Fatal("no documents must map to ErrNotFound")
	}
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	if !errors.Is(mapErr(dup), repo.ErrDuplicateTitle) {
		t.Fatal("duplicate key must map to ErrDuplicateTitle")
	}
	other := errors.New("boom")
	if mapErr(other) != other {
		t.Fatal("other errors pass through")
	}
}

// TestStoreAgainstServer runs when TASKBOARD_TEST_MONGO_URI points at a
// disposable server.
func TestStoreAgainstServer(t *testing.T) {
	uri := os.Getenv("TASKBOARD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TASKBOARD_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, s, err := Connect(ctx, uri, fmt.Sprintf("taskboard_test_%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect(context.Background())
	defer s.DB.Drop(context.Background())
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return frozen }

	created, err := s.InsertTask(ctx, domain.Task{ID: "t1", Title: "A", Status: domain.StatusTodo, Priority: domain.PriorityMedium})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertTask(ctx, domain.Task{ID: "t2", Title: "A", Status: domain.StatusTodo, Priority: domain.PriorityMedium}); !errors.Is(err, repo.ErrDuplicateTitle) {
		t.Fatalf("expected duplicate title, got %v", err)
	}
	next := created
	next.Status = domain.StatusDone
	updated, err := s.UpdateTask(ctx, next, &created.UpdatedAt)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("updatedAt must advance under a frozen clock: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}
	if updated.Title != "A" || updated.Status != domain.StatusDone {
		t.Fatalf("unexpected update result %+v", updated)
	}
	dollar := updated
	dollar.Title, dollar.Description = "$100 budget", "$HOME fix"
	stored, err := s.UpdateTask(ctx, dollar, nil)
	if err != nil {
		t.Fatalf("update with $ values: %v", err)
	}
	if stored.Title != "$100 budget" || stored.Description != "$HOME fix" {
		t.Fatalf("$-prefixed values must be stored verbatim, got %q / %q", stored.Title, stored.Description)
	}
	if _, err := s.UpdateTask(ctx, next, &created.UpdatedAt); !errors.Is(err, repo.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	if _, err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.UpdateTask(ctx, next, &updated.UpdatedAt); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
