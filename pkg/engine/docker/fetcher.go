package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"computecannon/pkg/files"
)

// FetcherKind identifies container-filesystem fetchers in serialized references.
const FetcherKind = "docker-container"

func init() {
	files.RegisterFetcher(FetcherKind, decodeContainerFetcher)
}

// ContainerFetcher reads a path out of a container (running or stopped)
// through the archive endpoint of the daemon.
type ContainerFetcher struct {
	API         API
	ContainerID string
	Path        string

	// Archive makes Fetch write the raw tar stream instead of locating a
	// single file in it. It is used for directories.
	Archive bool
}

// Kind implements files.Fetcher.
func (f *ContainerFetcher) Kind() string { return FetcherKind }

// Describe implements files.Fetcher.
func (f *ContainerFetcher) Describe() string {
	return fmt.Sprintf("%s:%s", shortID(f.ContainerID), f.Path)
}

// Params implements files.Fetcher.
func (f *ContainerFetcher) Params() map[string]string {
	p := map[string]string{
		"container": f.ContainerID,
		"path":      f.Path,
		"host":      f.API.DaemonHost(),
	}
	if f.Archive {
		p["archive"] = "true"
	}
	return p
}

// Fetch implements files.Fetcher.
func (f *ContainerFetcher) Fetch(ctx context.Context, w io.Writer) error {
	rc, _, err := f.API.CopyFromContainer(ctx, f.ContainerID, f.Path)
	if err != nil {
		return fmt.Errorf("failed to copy %s from container %s: %w", f.Path, shortID(f.ContainerID), err)
	}
	defer rc.Close()

	if f.Archive {
		_, err := io.Copy(w, rc)
		return err
	}

	want := path.Base(f.Path)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s not found in archive from container %s", f.Path, shortID(f.ContainerID))
		}
		if err != nil {
			return fmt.Errorf("failed to read archive from container: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && path.Base(hdr.Name) == want {
			_, err := io.Copy(w, tr)
			return err
		}
	}
}

// RemoteSize implements files.Sizer without transferring the file.
func (f *ContainerFetcher) RemoteSize(ctx context.Context) (int64, error) {
	stat, err := f.API.ContainerStatPath(ctx, f.ContainerID, f.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s in container %s: %w", f.Path, shortID(f.ContainerID), err)
	}
	return stat.Size, nil
}

func decodeContainerFetcher(p map[string]string) (files.Fetcher, error) {
	if p["container"] == "" || p["path"] == "" {
		return nil, fmt.Errorf("%s fetcher: missing container or path", FetcherKind)
	}
	cli, err := NewClient(p["host"])
	if err != nil {
		return nil, err
	}
	return &ContainerFetcher{
		API:         cli,
		ContainerID: p["container"],
		Path:        p["path"],
		Archive:     p["archive"] == "true",
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
