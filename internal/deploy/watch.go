package deploy

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

// Event is one progress message from the gateway's deployment stream.
type Event struct {
	ModuleID string `json:"module_id"`
	State    State  `json:"state"`
	Detail   string `json:"detail,omitempty"`
}

// Watch subscribes to the live progress stream for a deployment and returns
// a channel of state transitions. The channel closes when a terminal state
// arrives, the socket closes, or ctx is canceled. Polling via Status remains
// the source of truth; the stream is a lower-latency view of the same
// machine and consumers should fall back to polling when it drops.
func (s *Service) Watch(ctx context.Context, id string) (<-chan Event, error) {
	if id == "" {
		return nil, fmt.Errorf("module id is required: %w", gateway.ErrValidation)
	}

	header, err := s.client.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}

	wsURL, err := progressURL(s.client.BaseURL(), id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrValidation, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, &gateway.APIError{Kind: gateway.ErrTransient,
			Message: fmt.Sprintf("dial progress stream: %v", err)}
	}

	events := make(chan Event, 8)
	done := make(chan struct{})

	// Close the socket on cancellation so the read loop unblocks. The done
	// channel lets this monitor exit when the stream finishes on its own
	// under a context that is never canceled.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.logger.Warn("progress stream dropped",
						logging.Field{Key: "module", Value: id},
						logging.Field{Key: "error", Value: err.Error()})
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.State.Terminal() {
				return
			}
		}
	}()

	return events, nil
}

// progressURL derives the websocket endpoint from the HTTP base URL.
func progressURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/modules/" + url.PathEscape(id) + "/progress"
	return u.String(), nil
}
