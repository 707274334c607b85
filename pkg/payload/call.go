package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

const (
	// DescriptorFile is the name of the staged call descriptor.
	DescriptorFile = "function.json"
	// WorkerFile is the name of the staged worker binary.
	WorkerFile = "ccc-worker"

	ReturnFile    = "_function_return.json"
	StateFile     = "_object_state.json"
	ExceptionFile = "exception.json"
	TracebackFile = "traceback.txt"

	// EnvPayload names the descriptor the worker should run.
	EnvPayload = "CCC_PAYLOAD"
)

// descriptor is the on-disk form of a Call.
type descriptor struct {
	Function string          `json:"function"`
	Method   bool            `json:"method,omitempty"`
	Receiver json.RawMessage `json:"receiver,omitempty"`
	Arg      json.RawMessage `json:"arg"`
}

// Call is a packaged invocation of a registered function.
type Call struct {
	entry  *entry
	desc   descriptor
	worker string

	// original returns the caller's receiver if it is still alive.
	original func() (any, bool)
}

// NewCall packages a call of the function registered under name.
func NewCall[A any](name string, arg A) (*Call, error) {
	e, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if e.method {
		return nil, fmt.Errorf("%s is a method, use NewMethodCall", name)
	}
	if got := reflect.TypeFor[A](); got != e.argType {
		return nil, fmt.Errorf("%w: %s takes %s, got %s", ErrArgumentType, name, e.argType, got)
	}
	rawArg, err := encode(arg)
	if err != nil {
		return nil, fmt.Errorf("argument of %s: %w", name, err)
	}
	return &Call{entry: e, desc: descriptor{Function: name, Arg: rawArg}}, nil
}

// NewMethodCall packages a call of the method registered under name on recv.
// recv itself is not modified by the job; see FunctionJob.ApplyUpdate.
func NewMethodCall[T, A any](name string, recv *T, arg A) (*Call, error) {
	e, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if !e.method {
		return nil, fmt.Errorf("%s is not a method, use NewCall", name)
	}
	if recv == nil {
		return nil, fmt.Errorf("%w: nil receiver for %s", ErrArgumentType, name)
	}
	if got := reflect.TypeFor[T](); got != e.recvType {
		return nil, fmt.Errorf("%w: %s has receiver %s, got %s", ErrArgumentType, name, e.recvType, got)
	}
	if got := reflect.TypeFor[A](); got != e.argType {
		return nil, fmt.Errorf("%w: %s takes %s, got %s", ErrArgumentType, name, e.argType, got)
	}

	rawRecv, err := encode(recv)
	if err != nil {
		return nil, fmt.Errorf("receiver of %s: %w", name, err)
	}
	rawArg, err := encode(arg)
	if err != nil {
		return nil, fmt.Errorf("argument of %s: %w", name, err)
	}

	tbl := receiverTable[T]()
	tok := tbl.Put(recv)
	return &Call{
		entry: e,
		desc:  descriptor{Function: name, Method: true, Receiver: rawRecv, Arg: rawArg},
		original: func() (any, bool) {
			return tbl.Get(tok)
		},
	}, nil
}

// WithWorker sets the binary that runs the call. It defaults to the running executable.
func (c *Call) WithWorker(path string) *Call {
	c.worker = path
	return c
}

// Name returns the registered function name.
func (c *Call) Name() string { return c.desc.Function }

// Descriptor returns the JSON descriptor staged next to the worker.
func (c *Call) Descriptor() ([]byte, error) {
	return json.MarshalIndent(c.desc, "", "  ")
}

// Command returns the shell command that runs the call in a working
// directory holding the worker and the descriptor. Staging through an image
// build or the remote service drops file modes, so the worker is made
// executable first.
func (c *Call) Command() string {
	return fmt.Sprintf("chmod +x ./%s && %s=%s ./%s", WorkerFile, EnvPayload, DescriptorFile, WorkerFile)
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		// func and chan values land here, as do NaN floats
		return nil, errors.Join(ErrUnserializable, err)
	}
	return raw, nil
}

// decodeAs decodes raw into a new value of type t and returns it.
func decodeAs(t reflect.Type, raw []byte) (any, error) {
	v := reflect.New(t)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}
