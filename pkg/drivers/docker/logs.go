package docker

import (
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// streamLogs follows a container's output into the log multiplexer until the
// container exits. Non-tty output is demultiplexed first.
func (d *Driver) streamLogs(id, stream string, tty bool) {
	if d.mux == nil {
		return
	}

	// The stream outlives the request that started the container.
	rc, err := d.api.ContainerLogs(context.Background(), id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("container", id).Msg("Failed to attach to container logs")
		return
	}

	if tty {
		done := d.mux.Forward(stream, rc)
		go func() {
			<-done
			_ = rc.Close()
		}()
		return
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = rc.Close()
		_ = pw.CloseWithError(err)
	}()
	d.mux.Forward(stream, pr)
}

// logProgress logs one progress frame of a pull, push or build.
func logProgress(logger zerolog.Logger, msg *jsonmessage.JSONMessage) {
	switch {
	case msg.Stream != "":
		logger.Debug().Msg(strings.TrimRight(msg.Stream, "\r\n"))
	case msg.Status != "":
		ev := logger.Debug().Str("status", msg.Status)
		if msg.ID != "" {
			ev = ev.Str("layer", msg.ID)
		}
		if msg.Progress != nil && msg.Progress.Total > 0 {
			ev = ev.Int64("current", msg.Progress.Current).Int64("total", msg.Progress.Total)
		}
		ev.Msg("Progress")
	}
}
