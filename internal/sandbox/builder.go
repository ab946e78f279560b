// Package sandbox owns the Docker side of the runner: building the worker
// image, the isolated worker network, and the lifecycle of the sandbox
// containers the pool executes code in.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// ImageTag is the tag the worker image is built under and spawned from.
const ImageTag = "runner-worker:latest"

// buildMessage is one line of the daemon's JSON build stream.
type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// BuildImage builds the worker image from contextDir. The daemon streams
// progress as JSON lines; an error line anywhere in the stream fails the
// build even though the HTTP call itself succeeded.
func (m *Manager) BuildImage(ctx context.Context, contextDir string) error {
	start := time.Now()
	slog.Info("building worker image", "tag", ImageTag, "context", contextDir)

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := m.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{ImageTag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	if err := drainBuildStream(resp.Body); err != nil {
		return err
	}

	slog.Info("worker image built", "tag", ImageTag, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// drainBuildStream consumes the daemon's build output and surfaces the first
// error line it carries.
func drainBuildStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg buildMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("image build: %s", msg.Error)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			slog.Debug("docker build", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("image build stream: %w", err)
	}
	return nil
}
