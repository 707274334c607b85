package docker

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/mount"
	"github.com/spf13/cast"
)

const (
	// OptionVolumes maps a host path or volume name to a mount point. The
	// value is either a string ("/mnt" or "/mnt:ro") or a map with "bind"
	// and "mode" keys.
	OptionVolumes = "volumes"
	// OptionMountDockerSocket bind-mounts the daemon socket into the container.
	OptionMountDockerSocket = "mount_docker_socket"

	dockerSocket = "/var/run/docker.sock"
)

// mountsFromOptions decodes the engine options of a job into container mounts.
func mountsFromOptions(opts map[string]any) ([]mount.Mount, error) {
	var mounts []mount.Mount

	if raw, ok := opts[OptionVolumes]; ok {
		volumes, err := cast.ToStringMapE(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s option: %w", OptionVolumes, err)
		}
		sources := make([]string, 0, len(volumes))
		for src := range volumes {
			sources = append(sources, src)
		}
		sort.Strings(sources)

		for _, src := range sources {
			m, err := volumeMount(src, volumes[src])
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, m)
		}
	}

	if raw, ok := opts[OptionMountDockerSocket]; ok {
		enabled, err := cast.ToBoolE(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s option: %w", OptionMountDockerSocket, err)
		}
		if enabled {
			mounts = append(mounts, mount.Mount{
				Type:   mount.TypeBind,
				Source: dockerSocket,
				Target: dockerSocket,
			})
		}
	}
	return mounts, nil
}

func volumeMount(src string, spec any) (mount.Mount, error) {
	var target, mode string
	switch v := spec.(type) {
	case string:
		target, mode, _ = strings.Cut(v, ":")
	default:
		m, err := cast.ToStringMapStringE(v)
		if err != nil {
			return mount.Mount{}, fmt.Errorf("invalid volume spec for %s: %w", src, err)
		}
		target, mode = m["bind"], m["mode"]
	}
	if target == "" {
		return mount.Mount{}, fmt.Errorf("volume %s has no mount point", src)
	}

	var readOnly bool
	switch mode {
	case "", "rw":
	case "ro":
		readOnly = true
	default:
		return mount.Mount{}, fmt.Errorf("volume %s: unknown mode %q", src, mode)
	}

	typ := mount.TypeVolume
	if filepath.IsAbs(src) {
		typ = mount.TypeBind
	}
	return mount.Mount{Type: typ, Source: src, Target: target, ReadOnly: readOnly}, nil
}
