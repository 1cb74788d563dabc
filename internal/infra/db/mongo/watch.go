package mongo

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatsync/internal/app/docstore"
)

// SubscribeQuery opens a change stream on the backing collection and re-runs
// q after each burst of changes, so every delivery is a full result set.
func (s *DocStore) SubscribeQuery(q docstore.Query, onSnapshot func([]docstore.Document), onError func(error)) docstore.Unsubscribe {
	parent, name, err := docstore.SplitCollection(q.Collection)
	if err != nil {
		report(onError, err)
		return func() {}
	}
	return s.watch(name, changeFilter(parent, name, q), func(ctx context.Context) error {
		docs, err := s.Query(ctx, q)
		if err != nil {
			return err
		}
		onSnapshot(docs)
		return nil
	}, onError)
}

// SubscribeDocument watches a single document and delivers nil once it is gone.
func (s *DocStore) SubscribeDocument(path string, onSnapshot func(*docstore.Document), onError func(error)) docstore.Unsubscribe {
	loc, err := locate(path)
	if err != nil {
		report(onError, err)
		return func() {}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: loc.key}}}},
	}
	return s.watch(loc.collection, pipeline, func(ctx context.Context) error {
		doc, err := s.Get(ctx, path)
		if errors.Is(err, docstore.ErrNotFound) {
			onSnapshot(nil)
			return nil
		}
		if err != nil {
			return err
		}
		onSnapshot(&doc)
		return nil
	}, onError)
}

// changeFilter narrows a collection's change stream to the events that can
// touch q. Nested collections match on the _id prefix of their parent path.
// Root collections match equality filters against the looked-up document;
// deletes carry no document and always pass.
func changeFilter(parent, name string, q docstore.Query) mongo.Pipeline {
	if parent != "" {
		prefix := "^" + regexp.QuoteMeta(parent+"/"+name+"/")
		return mongo.Pipeline{
			{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: bson.D{{Key: "$regex", Value: prefix}}}}}},
		}
	}
	var clauses bson.D
	for _, f := range q.Filters {
		if f.Op != docstore.OpEqual && f.Op != docstore.OpArrayContains {
			continue
		}
		clauses = append(clauses, bson.E{Key: "fullDocument." + f.Field, Value: f.Value})
	}
	if len(clauses) == 0 {
		return mongo.Pipeline{}
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			clauses,
			bson.D{{Key: "operationType", Value: "delete"}},
		}}}}},
	}
}

func (s *DocStore) watch(collection string, pipeline mongo.Pipeline, refresh func(context.Context) error, onError func(error)) docstore.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	stop := func() { once.Do(cancel) }

	if s.db == nil {
		report(onError, ErrDocStoreNotConfigured)
		return stop
	}

	go func() {
		stream, err := s.db.Collection(collection).Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			if ctx.Err() == nil {
				report(onError, err)
			}
			return
		}
		defer stream.Close(context.Background())

		// The stream is open before the first read, so no change between the
		// initial snapshot and the first event is lost.
		if err := refresh(ctx); err != nil {
			if ctx.Err() == nil {
				report(onError, err)
			}
			return
		}
		for stream.Next(ctx) {
			for stream.TryNext(ctx) {
			}
			if ctx.Err() != nil {
				return
			}
			if err := refresh(ctx); err != nil {
				if ctx.Err() == nil {
					report(onError, err)
				}
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.logger.Warn("change stream closed", "collection", collection, "error", err)
			report(onError, err)
		}
	}()
	return stop
}

func report(onError func(error), err error) {
	if onError != nil && err != nil {
		onError(err)
	}
}
