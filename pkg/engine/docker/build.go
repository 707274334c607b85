package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"

	"computecannon/pkg/files"
)

const stagingDir = "staged"

// buildContext writes a tar build context holding a Dockerfile and each
// input under a content-addressed name. Identical inputs are staged once.
func buildContext(baseImage, workDir string, inputs map[string]files.Reference) ([]byte, error) {
	var (
		buf    bytes.Buffer
		tw     = tar.NewWriter(&buf)
		staged = map[string]bool{}
		copies []string
	)

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, rel := range names {
		clean := path.Clean(rel)
		if _, err := files.JoinLocal("/", clean); err != nil || path.IsAbs(clean) {
			return nil, fmt.Errorf("input %s: %w", rel, files.ErrPathEscape)
		}

		data, err := files.Read(inputs[rel], "rb", "")
		if err != nil {
			return nil, fmt.Errorf("failed to read input %s: %w", rel, err)
		}
		sum := sha256.Sum256(data)
		src := path.Join(stagingDir, hex.EncodeToString(sum[:]))
		mode := inputMode(inputs[rel])
		if mode&0o111 != 0 {
			src += "-x"
		}
		if !staged[src] {
			if err := writeTarFile(tw, src, data, mode); err != nil {
				return nil, err
			}
			staged[src] = true
		}

		instr, err := json.Marshal([]string{src, path.Join(workDir, clean)})
		if err != nil {
			return nil, err
		}
		copies = append(copies, "COPY "+string(instr))
	}

	dockerfile := dockerfile(baseImage, workDir, copies)
	if err := writeTarFile(tw, "Dockerfile", []byte(dockerfile), 0o644); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func dockerfile(baseImage, workDir string, copies []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", baseImage)
	for _, c := range copies {
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "WORKDIR %s\n", workDir)
	return sb.String()
}

// inputMode keeps the executable bit of local files. COPY carries the
// staged mode into the image.
func inputMode(ref files.Reference) int64 {
	local, ok := ref.(*files.LocalFile)
	if !ok {
		return 0o644
	}
	fi, err := os.Stat(local.Path())
	if err != nil || fi.Mode().Perm()&0o111 == 0 {
		return 0o644
	}
	return 0o755
}

func writeTarFile(tw *tar.Writer, name string, data []byte, mode int64) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     mode,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s to build context: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to build context: %w", name, err)
	}
	return nil
}

// buildImage sends the build context to the daemon and returns the ID of the new image.
func (e *Engine) buildImage(ctx context.Context, buildCtx []byte, labels map[string]string) (string, error) {
	resp, err := e.api.ImageBuild(ctx, bytes.NewReader(buildCtx), types.ImageBuildOptions{
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()
	return e.readBuildOutput(resp.Body)
}

// readBuildOutput consumes the JSON message stream of a build.
func (e *Engine) readBuildOutput(r io.Reader) (string, error) {
	var imageID string
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != nil {
			return "", fmt.Errorf("image build failed: %s", msg.Error.Message)
		}
		if msg.Stream != "" {
			e.logger.Debug("build", "output", strings.TrimRight(msg.Stream, "\n"))
		}
		if msg.Aux != nil {
			var result types.BuildResult
			if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
				imageID = result.ID
			}
		}
	}
	if imageID == "" {
		return "", fmt.Errorf("image build did not report an image ID")
	}
	return imageID, nil
}
