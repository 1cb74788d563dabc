package memory

import (
	"context"
	"errors"
	"sync"

	"chatsync/internal/app/docstore"
)

type subscription struct {
	query      *docstore.Query
	path       string
	collection string

	onQuery func([]docstore.Document)
	onDoc   func(*docstore.Document)

	dirty chan struct{}
	done  chan struct{}
	once  sync.Once
}

// SubscribeQuery registers a live query. The first snapshot is delivered
// right away.
func (s *DocStore) SubscribeQuery(q docstore.Query, onSnapshot func([]docstore.Document), onError func(error)) docstore.Unsubscribe {
	if _, _, err := docstore.SplitCollection(q.Collection); err != nil {
		if onError != nil {
			onError(err)
		}
		return func() {}
	}
	query := q
	return s.register(&subscription{
		query:      &query,
		collection: q.Collection,
		onQuery:    onSnapshot,
	})
}

// SubscribeDocument registers a live single-document subscription.
func (s *DocStore) SubscribeDocument(path string, onSnapshot func(*docstore.Document), onError func(error)) docstore.Unsubscribe {
	coll, _, err := docstore.SplitDocument(path)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return func() {}
	}
	return s.register(&subscription{
		path:       path,
		collection: coll,
		onDoc:      onSnapshot,
	})
}

// Subscribers reports the number of active subscriptions.
func (s *DocStore) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *DocStore) register(sub *subscription) docstore.Unsubscribe {
	sub.dirty = make(chan struct{}, 1)
	sub.done = make(chan struct{})
	sub.dirty <- struct{}{}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	go s.run(sub)

	return func() {
		sub.once.Do(func() {
			close(sub.done)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *DocStore) run(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.dirty:
		}
		if sub.query != nil {
			s.mu.RLock()
			docs := s.evaluate(*sub.query)
			s.mu.RUnlock()
			if sub.closed() {
				return
			}
			if sub.onQuery != nil {
				sub.onQuery(docs)
			}
			continue
		}
		doc, err := s.Get(context.Background(), sub.path)
		if sub.closed() {
			return
		}
		if sub.onDoc == nil {
			continue
		}
		if errors.Is(err, docstore.ErrNotFound) {
			sub.onDoc(nil)
			continue
		}
		sub.onDoc(&doc)
	}
}

func (sub *subscription) closed() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

// notify marks every subscription affected by the touched document paths.
// Pending signals coalesce so a slow consumer sees the latest state once.
func (s *DocStore) notify(touched map[string]struct{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.affectedBy(touched) {
			continue
		}
		select {
		case sub.dirty <- struct{}{}:
		default:
		}
	}
}

func (sub *subscription) affectedBy(touched map[string]struct{}) bool {
	if sub.query == nil {
		_, ok := touched[sub.path]
		return ok
	}
	for path := range touched {
		coll, _, err := docstore.SplitDocument(path)
		if err == nil && coll == sub.collection {
			return true
		}
	}
	return false
}
