package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// maxLogBytes caps how much container output is read for a tail
	maxLogBytes = 64 * 1024
	// maxLineLen caps a single reported line
	maxLineLen = 512
)

// TailLogs returns up to lines of the most recent stdout/stderr output of a container
func (m *Manager) TailLogs(ctx context.Context, containerID string, lines int) ([]string, error) {
	if lines <= 0 {
		return nil, nil
	}

	ctx, cancel := m.bounded(ctx)
	defer cancel()

	reader, err := m.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return nil, newEngineError(OpContainerLogs, containerID, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, maxLogBytes))
	if err != nil {
		return nil, newEngineError(OpContainerLogs, containerID, fmt.Errorf("read logs: %w", err))
	}

	return splitLogLines(demultiplex(raw), lines), nil
}

// demultiplex strips the stream framing docker adds for non-TTY containers.
// TTY containers are not framed and come back unchanged.
func demultiplex(raw []byte) []byte {
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, bytes.NewReader(raw)); err != nil {
		return raw
	}
	return out.Bytes()
}

func splitLogLines(data []byte, limit int) []string {
	result := make([]string, 0, limit)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) > maxLineLen {
			line = line[:maxLineLen] + "... (truncated)"
		}
		result = append(result, line)
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}
