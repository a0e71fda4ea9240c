package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// ImageExists reports whether the configured sandbox image is present locally.
func (p *Provider) ImageExists(ctx context.Context) (bool, error) {
	_, err := p.client.ImageInspect(ctx, p.cfg.SandboxImage)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", p.cfg.SandboxImage, err)
}

// BuildImage builds the sandbox image from the configured build context.
// Each line of daemon build output is passed to progress if it is non-nil.
// It returns when the build finishes; a build step failure is an error.
func (p *Provider) BuildImage(ctx context.Context, progress func(string)) error {
	contextDir := p.cfg.SandboxBuildContext
	if _, err := os.Stat(filepath.Join(contextDir, p.cfg.SandboxDockerfile)); err != nil {
		return fmt.Errorf("build context %s has no %s: %w", contextDir, p.cfg.SandboxDockerfile, err)
	}

	p.logger.Info("building sandbox image",
		zap.String("image", p.cfg.SandboxImage),
		zap.String("context", contextDir))

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeBuildContext(pw, contextDir))
	}()
	defer pr.Close()

	resp, err := p.client.ImageBuild(ctx, pr, build.ImageBuildOptions{
		Tags:        []string{p.cfg.SandboxImage},
		Dockerfile:  p.cfg.SandboxDockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{labelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("image build failed: %s", msg.Error.Message)
		}

		line := strings.TrimRight(msg.Stream, "\r\n")
		if line == "" && msg.Status != "" {
			line = msg.Status
		}
		if line == "" {
			continue
		}
		p.logger.Debug("build output", zap.String("line", line))
		if progress != nil {
			progress(line)
		}
	}

	p.logger.Info("sandbox image built", zap.String("image", p.cfg.SandboxImage))
	return nil
}

// writeBuildContext streams dir as a gzip-compressed tar archive, the
// format the daemon's build endpoint accepts.
func writeBuildContext(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil // skip symlinks, sockets and devices
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
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
		return fmt.Errorf("failed to archive build context: %w", err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
