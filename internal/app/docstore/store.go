// Package docstore defines the contract of the remote document store the sync
// layer is built on: point reads and writes, field-level updates, atomic
// batches and live subscriptions that always deliver the complete result set.
package docstore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
	ErrInvalidPath   = errors.New("docstore: invalid path")
)

// Document is a snapshot of one stored document.
type Document struct {
	ID   string
	Path string
	Data map[string]any
}

// Decode copies the document fields into out using bson struct tags.
func (d Document) Decode(out any) error {
	return Decode(d.Data, out)
}

// Unsubscribe releases a live subscription. Calling it more than once is safe.
type Unsubscribe func()

type Store interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, data map[string]any, opts ...SetOption) error
	// Update applies field updates to an existing document or returns ErrNotFound.
	Update(ctx context.Context, path string, updates Updates) error
	Delete(ctx context.Context, path string) error
	Batch() Batch
	Query(ctx context.Context, q Query) ([]Document, error)

	// SubscribeQuery delivers the full result set of q now and after every
	// change that may affect it.
	SubscribeQuery(q Query, onSnapshot func([]Document), onError func(error)) Unsubscribe
	// SubscribeDocument delivers nil when the document does not exist.
	SubscribeDocument(path string, onSnapshot func(*Document), onError func(error)) Unsubscribe
}

// Batch collects writes that commit all-or-nothing.
type Batch interface {
	// Create fails the whole batch with ErrAlreadyExists if path exists.
	Create(path string, data map[string]any)
	Set(path string, data map[string]any, opts ...SetOption)
	Update(path string, updates Updates)
	Delete(path string)
	Len() int
	Commit(ctx context.Context) error
}

type SetOptions struct {
	Merge bool
}

type SetOption func(*SetOptions)

// Merge deep-merges the given fields into an existing document instead of replacing it.
func Merge() SetOption {
	return func(o *SetOptions) { o.Merge = true }
}

func ApplySetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitDocument splits a document path into its collection path and id.
// Document paths have an even number of segments.
func SplitDocument(path string) (collection, id string, err error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", ErrInvalidPath
	}
	for _, s := range segs {
		if s == "" {
			return "", "", ErrInvalidPath
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// SplitCollection returns the parent document path ("" for root collections)
// and the collection name.
func SplitCollection(path string) (parent, name string, err error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs)%2 != 1 {
		return "", "", ErrInvalidPath
	}
	for _, s := range segs {
		if s == "" {
			return "", "", ErrInvalidPath
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}
