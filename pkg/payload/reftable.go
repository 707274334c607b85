package payload

import (
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"weak"
)

// RefTable hands out tokens for live objects without keeping them alive.
// An entry disappears once its object has been garbage collected.
type RefTable[T any] struct {
	mu   sync.Mutex
	next uint64
	refs map[string]weak.Pointer[T]
}

// NewRefTable returns an empty table.
func NewRefTable[T any]() *RefTable[T] {
	return &RefTable[T]{refs: map[string]weak.Pointer[T]{}}
}

// Put returns the token for p, reusing the existing token if p is already in the table.
func (t *RefTable[T]) Put(p *T) string {
	w := weak.Make(p)

	t.mu.Lock()
	defer t.mu.Unlock()
	for tok, existing := range t.refs {
		if existing == w {
			return tok
		}
	}
	t.next++
	tok := strconv.FormatUint(t.next, 10)
	t.refs[tok] = w
	runtime.AddCleanup(p, t.remove, tok)
	return tok
}

// Get returns the object for tok, or false if it is unknown or collected.
func (t *RefTable[T]) Get(tok string) (*T, bool) {
	t.mu.Lock()
	w, ok := t.refs[tok]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	p := w.Value()
	return p, p != nil
}

// Len returns the number of entries not yet removed.
func (t *RefTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

func (t *RefTable[T]) remove(tok string) {
	t.mu.Lock()
	delete(t.refs, tok)
	t.mu.Unlock()
}

// receivers holds one table per receiver type.
var receivers sync.Map // reflect.Type -> *RefTable[T]

func receiverTable[T any]() *RefTable[T] {
	t := reflect.TypeFor[T]()
	if tbl, ok := receivers.Load(t); ok {
		return tbl.(*RefTable[T])
	}
	tbl, _ := receivers.LoadOrStore(t, NewRefTable[T]())
	return tbl.(*RefTable[T])
}
