package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-ttsplay/internal/config"
	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
)

var (
	// ErrMalformedChunk is fatal to the session.
	ErrMalformedChunk = protocol.ErrMalformedChunk
	// ErrAbnormalClosure means the connection ended before an end or error event.
	ErrAbnormalClosure = errors.New("connection closed without end of stream")
	// ErrStreamDone is returned by Next after a terminal event was delivered.
	ErrStreamDone = errors.New("stream already terminated")
)

// Receiver owns one websocket connection and yields the server events of a single session.
type Receiver struct {
	conn     *websocket.Conn
	cfg      config.ServerConfig
	log      *slog.Logger
	done     bool
	closeMu  sync.Once
	closeErr error
}

// Dial connects to cfg.URL and sends req as the session's only outbound message.
func Dial(ctx context.Context, cfg config.ServerConfig, req protocol.SynthesisRequest, log *slog.Logger) (*Receiver, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout(),
	}
	dialCtx := ctx
	if timeout := cfg.ConnectTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(dialCtx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	r := &Receiver{
		conn: conn,
		cfg:  cfg,
		log:  log.With(slog.String("component", "stream-receiver")),
	}
	r.log.Info("connected to tts server", slog.String("url", cfg.URL))

	if err := r.send(req); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Receiver) send(req protocol.SynthesisRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode synthesis request: %w", err)
	}
	if timeout := r.cfg.SendTimeout(); timeout > 0 {
		_ = r.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer r.conn.SetWriteDeadline(time.Time{})
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send synthesis request: %w", err)
	}
	r.log.Info("sent tts request", slog.Int("text_runes", len([]rune(req.Text))), slog.String("mode", req.Mode))
	return nil
}

// Next blocks for the next server event. Malformed messages are returned as events with
// Kind protocol.KindMalformed and do not end the sequence. After a terminal event, or after any
// error, every further call returns ErrStreamDone.
func (r *Receiver) Next(ctx context.Context) (protocol.Event, error) {
	if r.done {
		return protocol.Event{}, ErrStreamDone
	}
	if err := ctx.Err(); err != nil {
		r.done = true
		return protocol.Event{}, fmt.Errorf("%w: %w", ErrAbnormalClosure, err)
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblock ReadMessage on cancellation.
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if timeout := r.cfg.ReadTimeout(); timeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = r.conn.SetReadDeadline(time.Time{})
	}

	_, data, err := r.conn.ReadMessage()
	if err != nil {
		r.done = true
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Event{}, fmt.Errorf("%w: %w", ErrAbnormalClosure, ctxErr)
		}
		return protocol.Event{}, classifyReadError(err)
	}

	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		r.done = true
		return protocol.Event{}, err
	}
	if ev.Kind == protocol.KindMalformed {
		r.log.Warn("skipping malformed message", slog.String("reason", ev.Reason), slog.Int("bytes", len(data)))
	}
	if ev.Terminal() {
		r.done = true
	}
	return ev, nil
}

// Events adapts Next to a pull iterator. Iteration stops after a terminal event or the first error.
func (r *Receiver) Events(ctx context.Context) iter.Seq2[protocol.Event, error] {
	return func(yield func(protocol.Event, error) bool) {
		for {
			ev, err := r.Next(ctx)
			if errors.Is(err, ErrStreamDone) {
				return
			}
			if !yield(ev, err) || err != nil || ev.Terminal() {
				return
			}
		}
	}
}

// Close sends a normal close frame and releases the socket. Safe to call more than once.
func (r *Receiver) Close() error {
	r.closeMu.Do(func() {
		r.done = true
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := r.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			r.log.Debug("close frame not sent", slog.String("error", err.Error()))
		}
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: close %d %s", ErrAbnormalClosure, closeErr.Code, closeErr.Text)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: read timeout: %w", ErrAbnormalClosure, err)
	}
	return fmt.Errorf("%w: %w", ErrAbnormalClosure, err)
}
