package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"

	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// ErrReceiverCollected is returned by ApplyUpdate when the caller's receiver no longer exists.
var ErrReceiverCollected = errors.New("original receiver was garbage collected")

// FunctionJob is a Job that runs a packaged Call.
type FunctionJob struct {
	*job.Job
	call *Call

	unpacked  bool
	value     any
	updated   any
	remoteErr error
}

// NewFunctionJob creates a job running call on engine. Like job.New, it is
// submitted right away when the image is set, unless job.WithoutSubmit is given.
func NewFunctionJob(ctx context.Context, engine job.Engine, image string, call *Call, opts ...job.Option) (*FunctionJob, error) {
	return newFunctionJob(ctx, engine, image, call, false, opts)
}

// LaunchFunction creates a function job and always submits it.
func LaunchFunction(ctx context.Context, engine job.Engine, image string, call *Call, opts ...job.Option) (*FunctionJob, error) {
	return newFunctionJob(ctx, engine, image, call, true, opts)
}

func newFunctionJob(ctx context.Context, engine job.Engine, image string, call *Call, launch bool, opts []job.Option) (*FunctionJob, error) {
	if call == nil {
		return nil, fmt.Errorf("call is required")
	}

	worker := call.worker
	if worker == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		worker = exe
	}
	workerRef, err := files.NewLocalFile(worker, files.WithName(WorkerFile))
	if err != nil {
		return nil, fmt.Errorf("failed to stage worker binary: %w", err)
	}
	desc, err := call.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}

	all := append([]job.Option{
		job.WithName(call.Name()),
		job.WithInput(WorkerFile, workerRef),
		job.WithInput(DescriptorFile, files.NewBytes(desc, files.WithName(DescriptorFile))),
	}, opts...)

	var j *job.Job
	if launch {
		j, err = job.Launch(ctx, engine, image, call.Command(), all...)
	} else {
		j, err = job.New(ctx, engine, image, call.Command(), all...)
	}
	if err != nil {
		return nil, err
	}
	return &FunctionJob{Job: j, call: call}, nil
}

// Result waits for the job, then returns the WhenFinished value when a
// callback is set and the function's return value otherwise. A remote
// error is returned as a *RemoteError.
func (f *FunctionJob) Result(ctx context.Context) (any, error) {
	if f.WhenFinished != nil {
		if err := f.unpack(ctx); err != nil {
			return nil, err
		}
		if f.remoteErr != nil {
			return nil, f.remoteErr
		}
		return f.Job.Result(ctx)
	}
	return f.FunctionResult(ctx)
}

// FunctionResult returns the function's return value, decoded into its registered type.
func (f *FunctionJob) FunctionResult(ctx context.Context) (any, error) {
	if err := f.unpack(ctx); err != nil {
		return nil, err
	}
	if f.remoteErr != nil {
		return nil, f.remoteErr
	}
	return f.value, nil
}

// UpdatedObject returns a copy of the receiver as it was after a method call.
func (f *FunctionJob) UpdatedObject(ctx context.Context) (any, error) {
	if !f.call.desc.Method {
		return nil, fmt.Errorf("%s is not a method call", f.call.Name())
	}
	if err := f.unpack(ctx); err != nil {
		return nil, err
	}
	if f.remoteErr != nil {
		return nil, f.remoteErr
	}
	return f.updated, nil
}

// ApplyUpdate copies the receiver state after a method call into the
// receiver passed to NewMethodCall.
func (f *FunctionJob) ApplyUpdate(ctx context.Context) error {
	updated, err := f.UpdatedObject(ctx)
	if err != nil {
		return err
	}
	orig, ok := f.call.original()
	if !ok {
		return ErrReceiverCollected
	}
	reflect.ValueOf(orig).Elem().Set(reflect.ValueOf(updated).Elem())
	return nil
}

// Exception returns the error raised by the function, or nil.
func (f *FunctionJob) Exception(ctx context.Context) (*RemoteError, error) {
	if err := f.unpack(ctx); err != nil {
		return nil, err
	}
	var re *RemoteError
	if errors.As(f.remoteErr, &re) {
		return re, nil
	}
	return nil, nil
}

func (f *FunctionJob) unpack(ctx context.Context) error {
	if f.unpacked {
		return nil
	}
	if err := f.Wait(ctx); err != nil {
		return err
	}
	outputs, err := f.Outputs(ctx)
	if err != nil {
		return err
	}

	switch {
	case outputs[ExceptionFile] != nil:
		f.remoteErr = f.readException(outputs)
	case outputs[ReturnFile] != nil:
		raw, err := files.Read(outputs[ReturnFile], "rb", "")
		if err != nil {
			return fmt.Errorf("failed to read function result: %w", err)
		}
		if f.value, err = decodeAs(f.call.entry.resultType, raw); err != nil {
			return fmt.Errorf("failed to decode function result: %w", err)
		}
		if f.call.desc.Method {
			if err := f.readState(outputs); err != nil {
				return err
			}
		}
	default:
		return f.programFailure(ctx)
	}

	f.unpacked = true
	return nil
}

func (f *FunctionJob) readState(outputs map[string]files.Reference) error {
	ref := outputs[StateFile]
	if ref == nil {
		return fmt.Errorf("method %s returned no object state", f.call.Name())
	}
	raw, err := files.Read(ref, "rb", "")
	if err != nil {
		return fmt.Errorf("failed to read object state: %w", err)
	}
	recv := reflect.New(f.call.entry.recvType)
	if err := json.Unmarshal(raw, recv.Interface()); err != nil {
		return fmt.Errorf("failed to decode object state: %w", err)
	}
	f.updated = recv.Interface()
	return nil
}

// readException rebuilds the remote error. A damaged exception file still
// yields a RemoteError so the failure is never mistaken for success.
func (f *FunctionJob) readException(outputs map[string]files.Reference) error {
	re := &RemoteError{}
	if ref := outputs[TracebackFile]; ref != nil {
		if tb, err := files.ReadString(ref, ""); err == nil {
			re.Traceback = tb
		}
	}

	raw, err := files.Read(outputs[ExceptionFile], "rb", "")
	if err == nil {
		var exc exception
		err = json.Unmarshal(raw, &exc)
		re.Type, re.Message = exc.Type, exc.Message
		if rebuilt, ok := rebuildError(exc.Type, exc.Data); ok {
			re.Err = rebuilt
		}
	}
	if err != nil {
		re.Type = "unreadable exception"
		re.Message = err.Error()
	}
	if re.Err == nil {
		re.Err = errors.New(re.Message)
	}
	return re
}

func (f *FunctionJob) programFailure(ctx context.Context) error {
	pf := &ProgramFailureError{JobID: f.ID(), ExitCode: -1}
	if code, err := f.ExitCode(); err == nil {
		pf.ExitCode = code
	}
	// raw text: a failing program may well print invalid UTF-8
	stdout, _ := f.StdoutBytes(ctx)
	stderr, _ := f.StderrBytes(ctx)
	pf.Stdout, pf.Stderr = string(stdout), string(stderr)
	return pf
}

// ResultAs returns the function result of f as an R.
func ResultAs[R any](ctx context.Context, f *FunctionJob) (R, error) {
	var zero R
	v, err := f.FunctionResult(ctx)
	if err != nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("%w: result of %s is %T", ErrArgumentType, f.call.Name(), v)
	}
	return r, nil
}
