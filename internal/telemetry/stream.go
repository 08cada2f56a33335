package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	TopicsPath = "/ws/v2/topics"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReceiveTimeout   = 5 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultPingTimeout      = 10 * time.Second

	frameBuffer = 64
)

type FailureKind string

const (
	KindClosed           FailureKind = "closed"
	KindKeepaliveTimeout FailureKind = "keepalive_timeout"
	KindTransportError   FailureKind = "transport_error"
)

// LinkError reports a lost robot connection. Its Reason is what ends up in the
// session notes.
type LinkError struct {
	Kind FailureKind
	Err  error
}

func (e *LinkError) Error() string {
	return e.Reason() + ": " + e.Err.Error()
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func (e *LinkError) Reason() string {
	return "connection_lost: " + string(e.Kind)
}

func classify(err error) FailureKind {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseAbnormalClosure {
			return KindTransportError
		}
		return KindClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindKeepaliveTimeout
	}

	return KindTransportError
}

// TopicsURL builds the topic socket URL for a robot address given as host:port or as
// a full URL. http and https schemes are mapped to ws and wss.
func TopicsURL(addr string) string {
	base := strings.TrimRight(addr, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case !strings.Contains(base, "://"):
		base = "ws://" + base
	}
	if strings.HasSuffix(base, TopicsPath) {
		return base
	}
	return base + TopicsPath
}

type Keepalive struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
}

func (k Keepalive) withDefaults() Keepalive {
	if k.PingInterval <= 0 {
		k.PingInterval = DefaultPingInterval
	}
	if k.PingTimeout <= 0 {
		k.PingTimeout = DefaultPingTimeout
	}
	return k
}

type readResult struct {
	data []byte
	err  error
}

// Stream is an open topic socket. A background reader feeds frames, and finally the
// read error, to Receive in order. Only the goroutine calling Receive writes.
type Stream struct {
	conn      *websocket.Conn
	keepalive Keepalive
	reads     chan readResult
	done      chan struct{}
	ping      *time.Ticker
	closeOnce sync.Once
}

func Dial(ctx context.Context, dialer *websocket.Dialer, url string, keepalive Keepalive) (*Stream, error) {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &LinkError{Kind: KindTransportError, Err: fmt.Errorf("failed to dial %s: %w", url, err)}
	}

	ka := keepalive.withDefaults()
	s := &Stream{
		conn:      conn,
		keepalive: ka,
		reads:     make(chan readResult, frameBuffer),
		done:      make(chan struct{}),
		ping:      time.NewTicker(ka.PingInterval),
	}

	s.extendDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})

	go s.read()

	return s, nil
}

func (s *Stream) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.keepalive.PingInterval + s.keepalive.PingTimeout))
}

func (s *Stream) read() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err == nil {
			s.extendDeadline()
		}

		select {
		case s.reads <- readResult{data: data, err: err}:
		case <-s.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// Send writes a JSON control frame.
func (s *Stream) Send(v any) error {
	if err := s.conn.WriteJSON(v); err != nil {
		return &LinkError{Kind: classify(err), Err: fmt.Errorf("failed to send control frame: %w", err)}
	}
	return nil
}

// Receive waits up to idle for the next frame. A nil frame with a nil error means the
// wait elapsed. It returns ctx.Err() on cancellation and a *LinkError when the
// connection is lost.
func (s *Stream) Receive(ctx context.Context, idle time.Duration) ([]byte, error) {
	if idle <= 0 {
		idle = DefaultReceiveTimeout
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-s.reads:
			if r.err != nil {
				return nil, &LinkError{Kind: classify(r.err), Err: r.err}
			}
			return r.data, nil
		case <-s.ping.C:
			deadline := time.Now().Add(s.keepalive.PingTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil, &LinkError{Kind: classify(err), Err: fmt.Errorf("failed to send ping: %w", err)}
			}
		case <-timer.C:
			return nil, nil
		}
	}
}

// Close sends a close frame when possible and releases the connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.ping.Stop()
		close(s.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		err = s.conn.Close()
	})

	return err
}
