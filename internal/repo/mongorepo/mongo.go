// Package mongorepo is the MongoDB-backed record store. It mirrors
// repo.Repo method for method so the engine can run on either backend.
package mongorepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"taskboard/internal/domain"
	"taskboard/internal/repo"
)

const (
	tasksCollection   = "tasks"
	usersCollection   = "users"
	actionsCollection = "actionlogs"
)

type Store struct {
	DB  *mongo.Database
	Now func() time.Time
}

// Connect dials uri, pings it and returns a store over database.
func Connect(ctx context.Context, uri, database string) (*mongo.Client, Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, Store{}, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, Store{}, fmt.Errorf("mongo ping: %w", err)
	}
	return client, Store{DB: client.Database(database)}, nil
}

// EnsureIndexes creates the unique indexes the store relies on.
func (s Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.DB.Collection(tasksCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "title", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "assignedUser", Value: 1}, {Key: "status", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("tasks indexes: %w", err)
	}
	if _, err := s.DB.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("users indexes: %w", err)
	}
	if _, err := s.DB.Collection(actionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: -1}, {Key: "order", Value: -1}},
	}); err != nil {
		return fmt.Errorf("actionlogs indexes: %w", err)
	}
	return nil
}

type taskDoc struct {
	ID           string    `bson:"_id"`
	Title        string    `bson:"title"`
	Description  string    `bson:"description,omitempty"`
	AssignedUser *string   `bson:"assignedUser"`
	Status       string    `bson:"status"`
	Priority     string    `bson:"priority"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"createdAt"`
}

type actionDoc struct {
	ID        string             `bson:"_id"`
	Order     primitive.ObjectID `bson:"order"`
	UserID    string             `bson:"user"`
	Kind      string             `bson:"actionType"`
	TaskID    *string            `bson:"task,omitempty"`
	Snapshot  taskDoc            `bson:"snapshot"`
	CreatedAt time.Time          `bson:"createdAt"`
}

func toTaskDoc(t domain.Task) taskDoc {
	d := taskDoc{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		CreatedAt:   millis(t.CreatedAt),
		UpdatedAt:   millis(t.UpdatedAt),
	}
	if t.AssignedUserID != nil && *t.AssignedUserID != "" {
		id := *t.AssignedUserID
		d.AssignedUser = &id
	}
	return d
}

func (d taskDoc) task() domain.Task {
	t := domain.Task{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Status:      domain.Status(d.Status),
		Priority:    domain.Priority(d.Priority),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	if d.AssignedUser != nil {
		id := *d.AssignedUser
		t.AssignedUserID = &id
	}
	return t
}

// millis truncates to the BSON date resolution.
func millis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return millis(s.Now())
	}
	return millis(time.Now())
}

// taskFilter matches id, and updatedAt too when expected is set.
func taskFilter(id string, expected *time.Time) bson.D {
	f := bson.D{{Key: "_id", Value: id}}
	if expected != nil {
		f = append(f, bson.E{Key: "updatedAt", Value: millis(*expected)})
	}
	return f
}

// bumpStage sets fields and advances updatedAt to max(now, previous+1ms).
// Values are wrapped in $literal since a pipeline reads strings starting
// with "$" as field paths.
func bumpStage(fields bson.D, now time.Time) mongo.Pipeline {
	set := make(bson.D, 0, len(fields)+1)
	for _, f := range fields {
		set = append(set, bson.E{Key: f.Key, Value: bson.D{{Key: "$literal", Value: f.Value}}})
	}
	set = append(set, bson.E{Key: "updatedAt", Value: bson.D{{Key: "$max", Value: bson.A{
		now,
		bson.D{{Key: "$add", Value: bson.A{"$updatedAt", 1}}},
	}}}})
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func loadsPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "status", Value: bson.D{{Key: "$ne", Value: string(domain.StatusDone)}}},
			{Key: "assignedUser", Value: bson.D{{Key: "$ne", Value: nil}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$assignedUser"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return repo.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return repo.ErrDuplicateTitle
	}
	return err
}

func (s Store) tasks() *mongo.Collection { return s.DB.Collection(tasksCollection) }

func (s Store) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = millis(t.CreatedAt)
	t.UpdatedAt = t.CreatedAt
	if _, err := s.tasks().InsertOne(ctx, toTaskDoc(t)); err != nil {
		return domain.Task{}, mapErr(err)
	}
	return t, nil
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var d taskDoc
	if err := s.tasks().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d); err != nil {
		return domain.Task{}, mapErr(err)
	}
	return d.task(), nil
}

func (s Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	cur, err := s.tasks().Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		res = append(res, d.task())
	}
	return res, nil
}

// UpdateTask is a compare-and-swap on updatedAt when expected is set.
func (s Store) UpdateTask(ctx context.Context, next domain.Task, expected *time.Time) (domain.Task, error) {
	d := toTaskDoc(next)
	set := bson.D{
		{Key: "title", Value: d.Title},
		{Key: "description", Value: d.Description},
		{Key: "assignedUser", Value: d.AssignedUser},
		{Key: "status", Value: d.Status},
		{Key: "priority", Value: d.Priority},
	}
	var out taskDoc
	err := s.tasks().FindOneAndUpdate(ctx, taskFilter(next.ID, expected), bumpStage(set, s.now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err == nil {
		return out.task(), nil
	}
	err = mapErr(err)
	if !errors.Is(err, repo.ErrNotFound) || expected == nil {
		return domain.Task{}, err
	}
	if _, gerr := s.GetTask(ctx, next.ID); gerr != nil {
		return domain.Task{}, gerr
	}
	return domain.Task{}, repo.ErrStale
}

func (s Store) AssignTask(ctx context.Context, id, userID string) (domain.Task, error) {
	var assignee any
	if userID != "" {
		assignee = userID
	}
	var out taskDoc
	err := s.tasks().FindOneAndUpdate(ctx, taskFilter(id, nil), bumpStage(bson.D{{Key: "assignedUser", Value: assignee}}, s.now()),
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err != nil {
		return domain.Task{}, mapErr(err)
	}
	return out.task(), nil
}

func (s Store) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	var out taskDoc
	if err := s.tasks().FindOneAndDelete(ctx, taskFilter(id, nil)).Decode(&out); err != nil {
		return domain.Task{}, mapErr(err)
	}
	return out.task(), nil
}

func (s Store) ActiveLoads(ctx context.Context) (map[string]int, error) {
	cur, err := s.tasks().Aggregate(ctx, loadsPipeline())
	if err != nil {
		return nil, err
	}
	var rows []struct {
		User  string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	res := make(map[string]int, len(rows))
	for _, r := range rows {
		res[r.User] = r.Count
	}
	return res, nil
}

func (s Store) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	u.CreatedAt = millis(u.CreatedAt)
	_, err := s.DB.Collection(usersCollection).InsertOne(ctx, userDoc{ID: u.ID, Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.User{}, fmt.Errorf("user %s: %w", u.Email, err)
		}
		return domain.User{}, err
	}
	return u, nil
}

func (s Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var d userDoc
	if err := s.DB.Collection(usersCollection).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d); err != nil {
		return domain.User{}, mapErr(err)
	}
	return domain.User{ID: d.ID, Email: d.Email, Name: d.Name, CreatedAt: d.CreatedAt.UTC()}, nil
}

func (s Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	cur, err := s.DB.Collection(usersCollection).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(docs))
	for _, d := range docs {
		res = append(res, domain.User{ID: d.ID, Email: d.Email, Name: d.Name, CreatedAt: d.CreatedAt.UTC()})
	}
	return res, nil
}

func (s Store) InsertAction(ctx context.Context, a domain.ActionLog) error {
	_, err := s.DB.Collection(actionsCollection).InsertOne(ctx, actionDoc{
		ID:        a.ID,
		Order:     primitive.NewObjectID(),
		UserID:    a.UserID,
		Kind:      string(a.Kind),
		TaskID:    a.TaskID,
		Snapshot:  toTaskDoc(a.Snapshot),
		CreatedAt: millis(a.CreatedAt),
	})
	return err
}

func (s Store) RecentActions(ctx context.Context, limit int) ([]domain.ActionLog, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "order", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.DB.Collection(actionsCollection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	var docs []actionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]domain.ActionLog, 0, len(docs))
	for _, d := range docs {
		res = append(res, domain.ActionLog{
			ID:        d.ID,
			UserID:    d.UserID,
			Kind:      domain.ActionKind(d.Kind),
			TaskID:    d.TaskID,
			Snapshot:  d.Snapshot.task(),
			CreatedAt: d.CreatedAt.UTC(),
		})
	}
	return res, nil
}
