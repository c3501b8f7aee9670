package dockerapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/errdefs"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// mapDaemonError converts a Docker SDK error into the closed taxonomy.
func mapDaemonError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf(format, args...)

	switch {
	case err == context.DeadlineExceeded || errdefs.IsDeadline(err):
		return opserr.Wrap(err, opserr.KindTimeout, msg)
	case err == context.Canceled || errdefs.IsCancelled(err):
		return opserr.Wrap(err, opserr.KindTimeout, msg)
	case errdefs.IsNotFound(err):
		return opserr.Wrap(err, opserr.KindNotFound, msg)
	case errdefs.IsConflict(err):
		return opserr.Wrap(err, opserr.KindConflict, msg)
	case errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err):
		return opserr.Wrap(err, opserr.KindImagePullDenied, msg)
	case errdefs.IsUnavailable(err) || strings.Contains(err.Error(), "Cannot connect to the Docker daemon"):
		return opserr.Wrap(err, opserr.KindDaemonUnavailable, msg)
	default:
		return opserr.Wrap(err, opserr.KindDaemonError, msg)
	}
}

type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// drainBuildStream consumes the JSON message stream of an image build or
// load and surfaces in-band errors.
func drainBuildStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg buildMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return opserr.New(opserr.KindDaemonError, "build failed: %s", strings.TrimSpace(msg.Error))
		}
	}

	if err := scanner.Err(); err != nil {
		return opserr.Wrap(err, opserr.KindIOError, "read build stream")
	}

	return nil
}
