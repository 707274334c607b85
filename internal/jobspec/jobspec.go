// Package jobspec reads YAML job descriptions for "ccc submit -f".
//
//	job:
//	  name: build
//	  image: gcc:13
//	  command: make && ./test
//	  cpus: 2
//	  runtime: 10m
//	  env:
//	    CFLAGS: -O2
//	  inputs:
//	    Makefile: ./Makefile          # local file, relative to the spec
//	    notes.txt: {text: "hello"}
//	    data.csv: {url: https://example.com/data.csv}
//	  engine_options:
//	    volumes: {/tmp/cache: /cache}
//	engine: docker                    # optional override of the configured engine
package jobspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// Spec is a parsed job spec file.
type Spec struct {
	Job    JobSection `yaml:"job"`
	Engine string     `yaml:"engine,omitempty"`

	// dir resolves relative input paths
	dir string
}

// JobSection describes the job itself.
type JobSection struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Command       string            `yaml:"command"`
	CPUs          int               `yaml:"cpus,omitempty"`
	Runtime       string            `yaml:"runtime,omitempty"` // Go duration, e.g. "90s"
	WorkingDir    string            `yaml:"workdir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Inputs        map[string]Input  `yaml:"inputs,omitempty"`
	EngineOptions map[string]any    `yaml:"engine_options,omitempty"`
}

// Input is one input file. A bare string is a local path.
type Input struct {
	Path     string `yaml:"path,omitempty"`
	Text     string `yaml:"text,omitempty"`
	URL      string `yaml:"url,omitempty"`
	Encoding string `yaml:"encoding,omitempty"`
}

// UnmarshalYAML accepts either a scalar path or a mapping.
func (in *Input) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		in.Path = node.Value
		return nil
	}
	type plain Input
	return node.Decode((*plain)(in))
}

// ErrInvalidSpec wraps every validation failure.
var ErrInvalidSpec = errors.New("invalid job spec")

// Load reads and validates a spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	spec.dir = filepath.Dir(path)
	return spec, nil
}

// Parse decodes and validates a spec. Relative input paths resolve
// against the working directory.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the fields that cannot be caught by job options.
func (s *Spec) Validate() error {
	if s.Job.Command == "" {
		return fmt.Errorf("%w: job.command is required", ErrInvalidSpec)
	}
	if s.Job.Runtime != "" {
		if _, err := time.ParseDuration(s.Job.Runtime); err != nil {
			return fmt.Errorf("%w: job.runtime: %v", ErrInvalidSpec, err)
		}
	}
	for name, in := range s.Job.Inputs {
		set := 0
		for _, v := range []string{in.Path, in.Text, in.URL} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("%w: input %s needs exactly one of path, text or url", ErrInvalidSpec, name)
		}
		if _, err := files.JoinLocal("/", name); err != nil {
			return fmt.Errorf("%w: input %s: %v", ErrInvalidSpec, name, err)
		}
	}
	return nil
}

// Options turns the spec into job options. cache backs URL inputs and may be nil.
func (s *Spec) Options(cache *files.CacheDir) ([]job.Option, error) {
	var opts []job.Option
	if s.Job.Name != "" {
		opts = append(opts, job.WithName(s.Job.Name))
	}
	if s.Job.CPUs > 0 {
		opts = append(opts, job.WithNumCPUs(s.Job.CPUs))
	}
	if s.Job.Runtime != "" {
		d, err := time.ParseDuration(s.Job.Runtime)
		if err != nil {
			return nil, fmt.Errorf("%w: job.runtime: %v", ErrInvalidSpec, err)
		}
		opts = append(opts, job.WithRuntime(d))
	}
	if s.Job.WorkingDir != "" {
		opts = append(opts, job.WithWorkingDir(s.Job.WorkingDir))
	}
	if len(s.Job.Env) > 0 {
		opts = append(opts, job.WithEnv(s.Job.Env))
	}
	if len(s.Job.EngineOptions) > 0 {
		opts = append(opts, job.WithEngineOptions(s.Job.EngineOptions))
	}

	for name, in := range s.Job.Inputs {
		ref, err := s.reference(name, in, cache)
		if err != nil {
			return nil, err
		}
		opts = append(opts, job.WithInput(name, ref))
	}
	return opts, nil
}

func (s *Spec) reference(name string, in Input, cache *files.CacheDir) (files.Reference, error) {
	var fopts []files.Option
	if in.Encoding != "" {
		fopts = append(fopts, files.WithEncoding(in.Encoding))
	}
	switch {
	case in.Text != "":
		return files.NewText(in.Text, append(fopts, files.WithName(filepath.Base(name)))...), nil
	case in.URL != "":
		if cache != nil {
			fopts = append(fopts, files.WithCacheDir(cache))
		}
		return files.NewHTTP(in.URL, append(fopts, files.WithName(filepath.Base(name)))...), nil
	default:
		p := in.Path
		if !filepath.IsAbs(p) && s.dir != "" {
			p = filepath.Join(s.dir, p)
		}
		ref, err := files.NewLocalFile(p, fopts...)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		return ref, nil
	}
}
