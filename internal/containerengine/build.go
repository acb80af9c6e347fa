package containerengine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
)

// BuildRequest describes an image build sourced from a checked-out
// repository directory.
type BuildRequest struct {
	ContextDir string
	Dockerfile string
	Tag        string
	BuildArgs  map[string]string
}

// BuildImage tars up the build context, streams it to the daemon, and
// relays build-log lines to onLogLine as the daemon emits them. It returns
// the resulting image tag.
func (e *DockerEngine) BuildImage(ctx context.Context, req BuildRequest, onLogLine func(line string)) (string, error) {
	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	archive, err := tarDirectory(req.ContextDir)
	if err != nil {
		return "", fmt.Errorf("tar build context: %w", err)
	}

	buildArgs := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		val := v
		buildArgs[k] = &val
	}

	var image string
	err = e.guard(ctx, func(ctx context.Context) error {
		resp, err := e.api.ImageBuild(ctx, archive, build.ImageBuildOptions{
			Tags:       []string{req.Tag},
			Dockerfile: dockerfile,
			BuildArgs:  buildArgs,
			Remove:     true,
		})
		if err != nil {
			return fmt.Errorf("start image build: %w", err)
		}
		defer resp.Body.Close()

		if err := relayBuildOutput(resp.Body, onLogLine); err != nil {
			return fmt.Errorf("image build failed: %w", err)
		}
		image = req.Tag
		return nil
	})
	return image, err
}

// relayBuildOutput decodes the daemon's JSON-stream build log, calling
// onLogLine for each "stream" chunk and returning an error if the daemon
// reports one inline (the Docker build-log protocol embeds failures as a
// JSON object rather than a non-2xx status).
func relayBuildOutput(r io.Reader, onLogLine func(line string)) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" && onLogLine != nil {
			onLogLine(line)
		}
	}
}

// tarDirectory packages a directory tree into an in-memory tar archive
// suitable for the Docker build-context upload.
func tarDirectory(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
