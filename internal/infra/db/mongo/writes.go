package mongo

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatsync/internal/app/docstore"
)

type opKind int

const (
	opCreate opKind = iota
	opSet
	opUpdate
	opDelete
)

type writeOp struct {
	kind    opKind
	path    string
	data    map[string]any
	merge   bool
	updates docstore.Updates
}

type batch struct {
	store *DocStore
	ops   []writeOp
}

func (b *batch) Create(path string, data map[string]any) {
	b.ops = append(b.ops, writeOp{kind: opCreate, path: path, data: data})
}

func (b *batch) Set(path string, data map[string]any, opts ...docstore.SetOption) {
	b.ops = append(b.ops, writeOp{kind: opSet, path: path, data: data, merge: docstore.ApplySetOptions(opts).Merge})
}

func (b *batch) Update(path string, updates docstore.Updates) {
	b.ops = append(b.ops, writeOp{kind: opUpdate, path: path, updates: updates})
}

func (b *batch) Delete(path string) {
	b.ops = append(b.ops, writeOp{kind: opDelete, path: path})
}

func (b *batch) Len() int {
	return len(b.ops)
}

// Commit runs every write inside one multi-document transaction.
func (b *batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	s := b.store
	if s.db == nil {
		return ErrDocStoreNotConfigured
	}
	if len(b.ops) == 1 {
		return s.apply(ctx, b.ops[0])
	}
	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("mongo: start session: %w", err)
	}
	defer session.EndSession(ctx)
	txnOpts := options.Transaction().SetReadConcern(s.db.ReadConcern()).SetWriteConcern(s.db.WriteConcern())
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		for _, op := range b.ops {
			if err := s.apply(sc, op); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, txnOpts)
	return err
}

func (s *DocStore) apply(ctx context.Context, op writeOp) error {
	if s.db == nil {
		return ErrDocStoreNotConfigured
	}
	loc, err := locate(op.path)
	if err != nil {
		return err
	}
	col := s.db.Collection(loc.collection)
	switch op.kind {
	case opCreate:
		_, err := col.InsertOne(ctx, loc.document(op.data))
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, op.path)
		}
		if err != nil {
			return fmt.Errorf("mongo: create %s: %w", op.path, err)
		}
	case opSet:
		if op.merge {
			set := bson.M{}
			flatten("", docstore.Normalize(op.data).(map[string]any), set)
			if loc.parent != "" {
				set[parentField] = loc.parent
			}
			update := bson.M{"$set": set}
			if len(set) == 0 {
				update = bson.M{"$setOnInsert": bson.M{idField: loc.key}}
			}
			_, err = col.UpdateOne(ctx, loc.filter(), update, options.Update().SetUpsert(true))
		} else {
			_, err = col.ReplaceOne(ctx, loc.filter(), loc.document(op.data), options.Replace().SetUpsert(true))
		}
		if err != nil {
			return fmt.Errorf("mongo: set %s: %w", op.path, err)
		}
	case opUpdate:
		res, err := col.UpdateOne(ctx, loc.filter(), updateDocument(op.updates))
		if err != nil {
			return fmt.Errorf("mongo: update %s: %w", op.path, err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: %s", docstore.ErrNotFound, op.path)
		}
	case opDelete:
		if _, err := col.DeleteOne(ctx, loc.filter()); err != nil {
			return fmt.Errorf("mongo: delete %s: %w", op.path, err)
		}
	}
	return nil
}

func (l location) document(data map[string]any) bson.M {
	doc := bson.M{}
	for k, v := range data {
		doc[k] = docstore.Normalize(v)
	}
	doc[idField] = l.key
	if l.parent != "" {
		doc[parentField] = l.parent
	}
	return doc
}

// flatten turns nested maps into dotted $set paths so a merge never replaces
// sibling fields of a nested map.
func flatten(prefix string, data map[string]any, out bson.M) {
	for k, v := range data {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func updateDocument(updates docstore.Updates) bson.M {
	set, unset, inc := bson.M{}, bson.M{}, bson.M{}
	addToSet, pull := bson.M{}, bson.M{}
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		switch op := updates[path].(type) {
		case docstore.DeleteOp:
			unset[path] = ""
		case docstore.IncrementOp:
			inc[path] = op.By
		case docstore.ArrayUnionOp:
			addToSet[path] = bson.M{"$each": docstore.Normalize(op.Values)}
		case docstore.ArrayRemoveOp:
			pull[path] = bson.M{"$in": docstore.Normalize(op.Values)}
		default:
			set[path] = docstore.Normalize(op)
		}
	}
	doc := bson.M{}
	for name, part := range map[string]bson.M{"$set": set, "$unset": unset, "$inc": inc, "$addToSet": addToSet, "$pull": pull} {
		if len(part) > 0 {
			doc[name] = part
		}
	}
	return doc
}
