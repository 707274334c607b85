package job

import (
	"fmt"
	"log/slog"
	"path"
	"time"

	"computecannon/pkg/files"
)

type settings struct {
	submit bool
}

// Option configures a Job in New.
type Option func(j *Job, s *settings) error

// WithoutSubmit stops New from submitting the job.
func WithoutSubmit() Option {
	return func(_ *Job, s *settings) error {
		s.submit = false
		return nil
	}
}

// WithName names the job.
func WithName(name string) Option {
	return func(j *Job, _ *settings) error {
		j.Name = name
		return nil
	}
}

// WithInputs stages files into the job's working directory. Values may be
// a string (text content), a []byte, or a files.Reference.
func WithInputs(inputs map[string]any) Option {
	return func(j *Job, _ *settings) error {
		for name, v := range inputs {
			ref, err := CoerceInput(name, v)
			if err != nil {
				return err
			}
			j.Inputs[name] = ref
		}
		return nil
	}
}

// WithInput stages a single file reference.
func WithInput(name string, ref files.Reference) Option {
	return func(j *Job, _ *settings) error {
		j.Inputs[name] = ref
		return nil
	}
}

// CoerceInput wraps plain content in an in-memory reference.
func CoerceInput(name string, v any) (files.Reference, error) {
	switch val := v.(type) {
	case files.Reference:
		return val, nil
	case string:
		return files.NewText(val, files.WithName(path.Base(name))), nil
	case []byte:
		return files.NewBytes(val, files.WithName(path.Base(name))), nil
	default:
		return nil, fmt.Errorf("input %s: unsupported type %T", name, v)
	}
}

// WithNumCPUs sets the CPU request.
func WithNumCPUs(n int) Option {
	return func(j *Job, _ *settings) error {
		if n < 1 {
			return fmt.Errorf("numcpus must be at least 1, got %d", n)
		}
		j.NumCPUs = n
		return nil
	}
}

// WithRuntime sets the soft time limit.
func WithRuntime(d time.Duration) Option {
	return func(j *Job, _ *settings) error {
		if d <= 0 {
			return fmt.Errorf("runtime must be positive, got %s", d)
		}
		j.Runtime = d
		return nil
	}
}

// WithWorkingDir sets the working directory inside the execution environment.
func WithWorkingDir(dir string) Option {
	return func(j *Job, _ *settings) error {
		j.WorkingDir = dir
		return nil
	}
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(j *Job, _ *settings) error {
		if j.Env == nil {
			j.Env = map[string]string{}
		}
		for k, v := range env {
			j.Env[k] = v
		}
		return nil
	}
}

// WithEngineOptions sets backend specific options.
func WithEngineOptions(opts map[string]any) Option {
	return func(j *Job, _ *settings) error {
		j.EngineOptions = opts
		return nil
	}
}

// OnStatusUpdate registers a status change callback.
func OnStatusUpdate(fn func(j *Job, s Status)) Option {
	return func(j *Job, _ *settings) error {
		j.OnStatusUpdate = fn
		return nil
	}
}

// WhenFinished registers the completion callback.
func WhenFinished(fn func(j *Job) (any, error)) Option {
	return func(j *Job, _ *settings) error {
		j.WhenFinished = fn
		return nil
	}
}

// WithLogger sets the job's logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Job, _ *settings) error {
		if l != nil {
			j.logger = l
		}
		return nil
	}
}
