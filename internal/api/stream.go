package api

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

const (
	eventPrefix  = "data: "
	doneSentinel = "[DONE]"
)

// StreamResult wraps one decoded protocol event or a terminal error.
type StreamResult struct {
	Event *domain.StreamEvent
	Err   error
}

// decodeStream turns an open SSE response body into an ordered sequence of
// protocol events. The channel is closed after the [DONE] sentinel, after a
// terminal error, or when the body ends.
//
// A malformed event line is dropped and decoding continues; one corrupt event
// must not cost the whole turn. If the body ends without the sentinel, the
// final result carries a stream-truncated error so the caller can mark the
// affected message as incomplete.
func decodeStream(body io.ReadCloser, logger *slog.Logger) <-chan StreamResult {
	out := make(chan StreamResult)
	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		// bufio reassembles lines split across transport chunks; allow
		// large data events.
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, eventPrefix) {
				continue
			}
			data := strings.TrimPrefix(line, eventPrefix)

			if data == doneSentinel {
				return
			}

			var ev domain.StreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				logger.Warn("dropping malformed stream event",
					slog.String("error", err.Error()))
				continue
			}
			if !ev.Type.Known() {
				logger.Warn("ignoring unknown stream event type",
					slog.String("type", string(ev.Type)))
				continue
			}

			out <- StreamResult{Event: &ev}
		}

		// No [DONE] seen: the connection closed early. End-of-stream, not
		// a hard failure, but distinguishable for the caller.
		if err := scanner.Err(); err != nil {
			out <- StreamResult{Err: domain.ErrStreamTruncated("stream closed before sentinel").WithCause(err)}
			return
		}
		out <- StreamResult{Err: domain.ErrStreamTruncated("stream ended without sentinel")}
	}()
	return out
}
