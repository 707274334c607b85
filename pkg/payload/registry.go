// Package payload packages registered Go functions so that an engine can
// run them as jobs, and unpacks what comes back.
//
// A function is shipped by name: the worker binary (by default the running
// executable) must register the same functions, usually from an init
// function, and call Serve first thing in main.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrNotRegistered is returned when a call names an unknown function.
	ErrNotRegistered = errors.New("function not registered")

	// ErrArgumentType is returned when a call's argument or receiver has the wrong type.
	ErrArgumentType = errors.New("wrong argument type")

	// ErrUnserializable is returned when a value cannot be encoded for shipping.
	ErrUnserializable = errors.New("value cannot be serialized")
)

type entry struct {
	name       string
	method     bool
	argType    reflect.Type
	recvType   reflect.Type
	resultType reflect.Type

	// invoke decodes the argument and receiver, runs the function and
	// returns the result and, for methods, the receiver after the call.
	invoke func(ctx context.Context, recv, arg json.RawMessage) (result, updated any, err error)
}

var registry = struct {
	sync.RWMutex
	funcs  map[string]*entry
	errors map[string]reflect.Type
	names  map[reflect.Type]string
}{
	funcs:  map[string]*entry{},
	errors: map[string]reflect.Type{},
	names:  map[reflect.Type]string{},
}

func register(e *entry) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.funcs[e.name]; dup {
		panic(fmt.Sprintf("payload: function %q registered twice", e.name))
	}
	registry.funcs[e.name] = e
}

func lookup(name string) (*entry, error) {
	registry.RLock()
	defer registry.RUnlock()
	e, ok := registry.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return e, nil
}

// Register makes fn callable by name. It panics if name is taken.
func Register[A, R any](name string, fn func(ctx context.Context, arg A) (R, error)) {
	register(&entry{
		name:       name,
		argType:    reflect.TypeFor[A](),
		resultType: reflect.TypeFor[R](),
		invoke: func(ctx context.Context, _, rawArg json.RawMessage) (any, any, error) {
			var arg A
			if err := json.Unmarshal(rawArg, &arg); err != nil {
				return nil, nil, fmt.Errorf("failed to decode argument of %s: %w", name, err)
			}
			res, err := fn(ctx, arg)
			return res, nil, err
		},
	})
}

// RegisterMethod makes fn callable by name with a receiver. The receiver's
// state after the call is shipped back along with the result.
func RegisterMethod[T, A, R any](name string, fn func(ctx context.Context, recv *T, arg A) (R, error)) {
	register(&entry{
		name:       name,
		method:     true,
		argType:    reflect.TypeFor[A](),
		recvType:   reflect.TypeFor[T](),
		resultType: reflect.TypeFor[R](),
		invoke: func(ctx context.Context, rawRecv, rawArg json.RawMessage) (any, any, error) {
			recv := new(T)
			if err := json.Unmarshal(rawRecv, recv); err != nil {
				return nil, nil, fmt.Errorf("failed to decode receiver of %s: %w", name, err)
			}
			var arg A
			if err := json.Unmarshal(rawArg, &arg); err != nil {
				return nil, nil, fmt.Errorf("failed to decode argument of %s: %w", name, err)
			}
			res, err := fn(ctx, recv, arg)
			return res, recv, err
		},
	})
}

// RegisterError lets errors of E's concrete type cross the job boundary
// intact. E must round trip through encoding/json; the error is rebuilt
// from its JSON form on the caller's side.
func RegisterError[E error](name string) {
	t := reflect.TypeFor[E]()
	registry.Lock()
	defer registry.Unlock()
	registry.errors[name] = t
	registry.names[t] = name
}

// errorName returns the registered name of the first error in err's chain
// whose type was registered.
func errorName(err error) (string, error, bool) {
	registry.RLock()
	defer registry.RUnlock()
	for e := err; e != nil; e = errors.Unwrap(e) {
		if name, ok := registry.names[reflect.TypeOf(e)]; ok {
			return name, e, true
		}
	}
	return "", nil, false
}

// rebuildError decodes a registered error from its JSON form.
func rebuildError(name string, data json.RawMessage) (error, bool) {
	registry.RLock()
	t, ok := registry.errors[name]
	registry.RUnlock()
	if !ok || len(data) == 0 {
		return nil, false
	}

	var v reflect.Value
	if t.Kind() == reflect.Pointer {
		v = reflect.New(t.Elem())
	} else {
		v = reflect.New(t)
	}
	if err := json.Unmarshal(data, v.Interface()); err != nil {
		return nil, false
	}
	if t.Kind() != reflect.Pointer {
		v = v.Elem()
	}
	rebuilt, ok := v.Interface().(error)
	return rebuilt, ok
}
