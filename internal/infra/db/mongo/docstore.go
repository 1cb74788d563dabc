package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatsync/internal/app/docstore"
)

const (
	idField     = "_id"
	parentField = "_parent"
)

// DocStore maps document paths onto MongoDB collections. A root document
// "conversations/abc" lives in collection "conversations" with _id "abc"; a
// nested document "conversations/abc/messages/m1" lives in collection
// "messages" with _id set to the full path and _parent "conversations/abc".
type DocStore struct {
	db     *mongo.Database
	logger *slog.Logger
}

func NewDocStore(db *mongo.Database, logger *slog.Logger) *DocStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocStore{db: db, logger: logger}
}

var ErrDocStoreNotConfigured = errors.New("mongo: document store missing database")

// EnsureIndexes creates the indexes the sync layer queries rely on.
func (s *DocStore) EnsureIndexes(ctx context.Context) error {
	if s.db == nil {
		return ErrDocStoreNotConfigured
	}
	models := map[string]mongo.IndexModel{
		"conversations":        {Keys: bson.D{{Key: "participants", Value: 1}}},
		"messages":             {Keys: bson.D{{Key: parentField, Value: 1}, {Key: "timestamp", Value: 1}, {Key: "id", Value: 1}}},
		"conversationUserMeta": {Keys: bson.D{{Key: "userId", Value: 1}}},
		"typingIndicators":     {Keys: bson.D{{Key: "conversationId", Value: 1}}},
	}
	for coll, model := range models {
		if _, err := s.db.Collection(coll).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("mongo: create index on %s: %w", coll, err)
		}
	}
	return nil
}

type location struct {
	collection string
	parent     string
	id         string
	key        string
}

func locate(path string) (location, error) {
	collPath, id, err := docstore.SplitDocument(path)
	if err != nil {
		return location{}, err
	}
	parent, name, err := docstore.SplitCollection(collPath)
	if err != nil {
		return location{}, err
	}
	loc := location{collection: name, parent: parent, id: id, key: id}
	if parent != "" {
		loc.key = strings.Trim(path, "/")
	}
	return loc, nil
}

func (l location) filter() bson.D {
	return bson.D{{Key: idField, Value: l.key}}
}

func (s *DocStore) Get(ctx context.Context, path string) (docstore.Document, error) {
	loc, err := locate(path)
	if err != nil {
		return docstore.Document{}, err
	}
	var raw bson.M
	err = s.db.Collection(loc.collection).FindOne(ctx, loc.filter()).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("mongo: get %s: %w", path, err)
	}
	return toDocument(loc.id, path, raw), nil
}

func (s *DocStore) Set(ctx context.Context, path string, data map[string]any, opts ...docstore.SetOption) error {
	return s.apply(ctx, writeOp{kind: opSet, path: path, data: data, merge: docstore.ApplySetOptions(opts).Merge})
}

func (s *DocStore) Update(ctx context.Context, path string, updates docstore.Updates) error {
	return s.apply(ctx, writeOp{kind: opUpdate, path: path, updates: updates})
}

func (s *DocStore) Delete(ctx context.Context, path string) error {
	return s.apply(ctx, writeOp{kind: opDelete, path: path})
}

func (s *DocStore) Batch() docstore.Batch {
	return &batch{store: s}
}

func (s *DocStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	parent, name, err := docstore.SplitCollection(q.Collection)
	if err != nil {
		return nil, err
	}
	opts := options.Find()
	if sort := sortSpec(q.Orders); len(sort) > 0 {
		opts.SetSort(sort)
	}
	if q.Size > 0 {
		opts.SetLimit(int64(q.Size))
	}
	cur, err := s.db.Collection(name).Find(ctx, queryFilter(parent, q), opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: query %s: %w", q.Collection, err)
	}
	defer cur.Close(ctx)
	docs := make([]docstore.Document, 0)
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("mongo: decode %s: %w", q.Collection, err)
		}
		id := idFromRaw(raw)
		docs = append(docs, toDocument(id, docstore.Join(q.Collection, id), raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo: query %s: %w", q.Collection, err)
	}
	return docs, nil
}

func queryFilter(parent string, q docstore.Query) bson.D {
	clauses := bson.A{}
	if parent != "" {
		clauses = append(clauses, bson.D{{Key: parentField, Value: parent}})
	}
	for _, f := range q.Filters {
		clauses = append(clauses, filterClause(f))
	}
	if len(q.Cursor) > 0 && len(q.Orders) > 0 {
		clauses = append(clauses, cursorClause(q.Orders, q.Cursor))
	}
	if len(clauses) == 0 {
		return bson.D{}
	}
	return bson.D{{Key: "$and", Value: clauses}}
}

func filterClause(f docstore.Filter) bson.D {
	switch f.Op {
	case docstore.OpLess:
		return bson.D{{Key: f.Field, Value: bson.D{{Key: "$lt", Value: f.Value}}}}
	case docstore.OpLessEqual:
		return bson.D{{Key: f.Field, Value: bson.D{{Key: "$lte", Value: f.Value}}}}
	case docstore.OpGreater:
		return bson.D{{Key: f.Field, Value: bson.D{{Key: "$gt", Value: f.Value}}}}
	case docstore.OpGreaterEqual:
		return bson.D{{Key: f.Field, Value: bson.D{{Key: "$gte", Value: f.Value}}}}
	default:
		// Equality on an array field already matches membership.
		return bson.D{{Key: f.Field, Value: f.Value}}
	}
}

// cursorClause expands a startAfter cursor into a lexicographic $or over the
// order fields.
func cursorClause(orders []docstore.Order, cursor []any) bson.D {
	n := min(len(orders), len(cursor))
	branches := bson.A{}
	for i := 0; i < n; i++ {
		branch := bson.D{}
		for j := 0; j < i; j++ {
			branch = append(branch, bson.E{Key: orders[j].Field, Value: cursor[j]})
		}
		op := "$gt"
		if orders[i].Dir == docstore.Desc {
			op = "$lt"
		}
		branch = append(branch, bson.E{Key: orders[i].Field, Value: bson.D{{Key: op, Value: cursor[i]}}})
		branches = append(branches, branch)
	}
	return bson.D{{Key: "$or", Value: branches}}
}

func sortSpec(orders []docstore.Order) bson.D {
	if len(orders) == 0 {
		return nil
	}
	sort := bson.D{}
	for _, o := range orders {
		dir := 1
		if o.Dir == docstore.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: o.Field, Value: dir})
	}
	return append(sort, bson.E{Key: idField, Value: 1})
}

func idFromRaw(raw bson.M) string {
	key, _ := raw[idField].(string)
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func toDocument(id, path string, raw bson.M) docstore.Document {
	data, _ := docstore.Normalize(raw).(map[string]any)
	delete(data, idField)
	delete(data, parentField)
	return docstore.Document{ID: id, Path: strings.Trim(path, "/"), Data: data}
}

var _ docstore.Store = (*DocStore)(nil)
