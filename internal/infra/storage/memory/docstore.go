package memory

import (
	"context"
	"sort"
	"sync"

	"chatsync/internal/app/docstore"
)

// DocStore is an in-process document store with live subscriptions.
// Subscribers are notified asynchronously and always receive the full
// current result set.
type DocStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	subs        map[uint64]*subscription
	nextSub     uint64
}

// NewDocStore builds an empty store.
func NewDocStore() *DocStore {
	return &DocStore{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[uint64]*subscription),
	}
}

// Get returns a copy of the document or docstore.ErrNotFound.
func (s *DocStore) Get(ctx context.Context, path string) (docstore.Document, error) {
	coll, id, err := docstore.SplitDocument(path)
	if err != nil {
		return docstore.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.collections[coll][id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return newDocument(coll, id, data), nil
}

// Set writes a single document.
func (s *DocStore) Set(ctx context.Context, path string, data map[string]any, opts ...docstore.SetOption) error {
	b := s.Batch()
	b.Set(path, data, opts...)
	return b.Commit(ctx)
}

// Update applies field updates to an existing document.
func (s *DocStore) Update(ctx context.Context, path string, updates docstore.Updates) error {
	b := s.Batch()
	b.Update(path, updates)
	return b.Commit(ctx)
}

// Delete removes a document; deleting a missing document is not an error.
func (s *DocStore) Delete(ctx context.Context, path string) error {
	b := s.Batch()
	b.Delete(path)
	return b.Commit(ctx)
}

// Batch starts an all-or-nothing write set.
func (s *DocStore) Batch() docstore.Batch {
	return &batch{store: s}
}

// Query evaluates q against the current contents.
func (s *DocStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if _, _, err := docstore.SplitCollection(q.Collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluate(q), nil
}

// Count reports how many documents a collection holds.
func (s *DocStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *DocStore) evaluate(q docstore.Query) []docstore.Document {
	docs := make([]docstore.Document, 0)
	for id, data := range s.collections[q.Collection] {
		if matchesAll(data, q.Filters) {
			docs = append(docs, docstore.Document{ID: id, Path: docstore.Join(q.Collection, id), Data: data})
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		for _, o := range q.Orders {
			c := compareValues(lookup(docs[i].Data, o.Field), lookup(docs[j].Data, o.Field))
			if c == 0 {
				continue
			}
			if o.Dir == docstore.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
	if len(q.Cursor) > 0 {
		start := len(docs)
		for i, d := range docs {
			if afterCursor(d.Data, q.Orders, q.Cursor) {
				start = i
				break
			}
		}
		docs = docs[start:]
	}
	if q.Size > 0 && len(docs) > q.Size {
		docs = docs[:q.Size]
	}
	out := make([]docstore.Document, len(docs))
	for i, d := range docs {
		out[i] = docstore.Document{ID: d.ID, Path: d.Path, Data: cloneMap(d.Data)}
	}
	return out
}

func afterCursor(data map[string]any, orders []docstore.Order, cursor []any) bool {
	for i, o := range orders {
		if i >= len(cursor) {
			break
		}
		c := compareValues(lookup(data, o.Field), docstore.Normalize(cursor[i]))
		if o.Dir == docstore.Desc {
			c = -c
		}
		if c != 0 {
			return c > 0
		}
	}
	return false
}

func newDocument(coll, id string, data map[string]any) docstore.Document {
	return docstore.Document{ID: id, Path: docstore.Join(coll, id), Data: cloneMap(data)}
}

func cloneMap(m map[string]any) map[string]any {
	out, _ := docstore.Normalize(m).(map[string]any)
	return out
}

var _ docstore.Store = (*DocStore)(nil)
