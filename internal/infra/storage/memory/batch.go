package memory

import (
	"context"
	"fmt"
	"reflect"
	"strings"

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
	o := docstore.ApplySetOptions(opts)
	b.ops = append(b.ops, writeOp{kind: opSet, path: path, data: data, merge: o.Merge})
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

// Commit stages every write on copies and publishes them only if all succeed.
func (b *batch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := b.store
	s.mu.Lock()
	staged := make(map[string]map[string]any)
	deleted := make(map[string]bool)
	current := func(coll, id string) (map[string]any, bool) {
		key := docstore.Join(coll, id)
		if deleted[key] {
			return nil, false
		}
		if d, ok := staged[key]; ok {
			return d, true
		}
		d, ok := s.collections[coll][id]
		if !ok {
			return nil, false
		}
		return cloneMap(d), true
	}
	for _, op := range b.ops {
		coll, id, err := docstore.SplitDocument(op.path)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		key := docstore.Join(coll, id)
		existing, exists := current(coll, id)
		switch op.kind {
		case opCreate:
			if exists {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, op.path)
			}
			staged[key] = cloneMap(op.data)
		case opSet:
			if op.merge && exists {
				deepMerge(existing, cloneMap(op.data))
				staged[key] = existing
			} else {
				staged[key] = cloneMap(op.data)
			}
		case opUpdate:
			if !exists {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s", docstore.ErrNotFound, op.path)
			}
			if err := applyUpdates(existing, op.updates); err != nil {
				s.mu.Unlock()
				return err
			}
			staged[key] = existing
		case opDelete:
			delete(staged, key)
			deleted[key] = true
			continue
		}
		delete(deleted, key)
	}

	touched := make(map[string]struct{}, len(staged)+len(deleted))
	for key := range deleted {
		coll, id, _ := docstore.SplitDocument(key)
		delete(s.collections[coll], id)
		touched[key] = struct{}{}
	}
	for key, data := range staged {
		coll, id, _ := docstore.SplitDocument(key)
		if s.collections[coll] == nil {
			s.collections[coll] = make(map[string]map[string]any)
		}
		s.collections[coll][id] = data
		touched[key] = struct{}{}
	}
	s.mu.Unlock()

	s.notify(touched)
	return nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

func applyUpdates(doc map[string]any, updates docstore.Updates) error {
	for path, value := range updates {
		parent, leaf := walk(doc, path)
		switch op := value.(type) {
		case docstore.DeleteOp:
			delete(parent, leaf)
		case docstore.IncrementOp:
			switch cur := parent[leaf].(type) {
			case nil:
				parent[leaf] = op.By
			case int64:
				parent[leaf] = cur + op.By
			case float64:
				parent[leaf] = cur + float64(op.By)
			default:
				return fmt.Errorf("memory: increment non-numeric field %q", path)
			}
		case docstore.ArrayUnionOp:
			arr, _ := parent[leaf].([]any)
			for _, v := range op.Values {
				nv := docstore.Normalize(v)
				if !containsValue(arr, nv) {
					arr = append(arr, nv)
				}
			}
			if arr == nil {
				arr = []any{}
			}
			parent[leaf] = arr
		case docstore.ArrayRemoveOp:
			arr, _ := parent[leaf].([]any)
			kept := make([]any, 0, len(arr))
			for _, existing := range arr {
				remove := false
				for _, v := range op.Values {
					if reflect.DeepEqual(existing, docstore.Normalize(v)) {
						remove = true
						break
					}
				}
				if !remove {
					kept = append(kept, existing)
				}
			}
			parent[leaf] = kept
		default:
			parent[leaf] = docstore.Normalize(value)
		}
	}
	return nil
}

// walk returns the map holding the last segment of a dotted path, creating
// intermediate maps as needed.
func walk(doc map[string]any, path string) (map[string]any, string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	return cur, segs[len(segs)-1]
}

func containsValue(arr []any, v any) bool {
	for _, x := range arr {
		if reflect.DeepEqual(x, v) {
			return true
		}
	}
	return false
}
