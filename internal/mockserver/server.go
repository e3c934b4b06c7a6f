package mockserver

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-ttsplay/internal/protocol"
)

// Frame is one scripted server action.
type Frame struct {
	// Raw, when set, is written verbatim as a text message.
	Raw string
	// Message is JSON encoded when Raw is empty.
	Message protocol.ServerMessage
	// Drop closes the TCP connection without a close frame.
	Drop bool
	// Delay is applied before the frame is written.
	Delay time.Duration
}

type Script []Frame

func Start() Frame { return Frame{Message: protocol.ServerMessage{Type: protocol.TypeStart}} }

func End() Frame { return Frame{Message: protocol.ServerMessage{Type: protocol.TypeEnd}} }

func Error(message string) Frame {
	return Frame{Message: protocol.ServerMessage{Type: protocol.TypeError, Message: message}}
}

func Audio(sampleRate int, samples []float32) Frame {
	return Frame{Message: protocol.AudioMessage(sampleRate, samples)}
}

func Raw(text string) Frame { return Frame{Raw: text} }

func Drop() Frame { return Frame{Drop: true} }

// SineScript produces start, chunks of a sine tone, end.
func SineScript(sampleRate, chunks, samplesPerChunk int, freq float64) Script {
	script := Script{Start()}
	n := 0
	for c := 0; c < chunks; c++ {
		samples := make([]float32, samplesPerChunk)
		for i := range samples {
			samples[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(n)/float64(sampleRate)))
			n++
		}
		script = append(script, Audio(sampleRate, samples))
	}
	return append(script, End())
}

// Server replays a Script to every websocket client and records the requests it received.
type Server struct {
	script   Script
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	requests []protocol.SynthesisRequest
	extra    int
}

func New(script Script, log *slog.Logger) *Server {
	return &Server{
		script: script,
		log:    log.With(slog.String("component", "mock-tts")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Requests returns the synthesis requests received so far.
func (s *Server) Requests() []protocol.SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SynthesisRequest(nil), s.requests...)
}

// ExtraMessages counts client data messages received after the request.
func (s *Server) ExtraMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extra
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn("read request failed", slog.String("error", err.Error()))
		return
	}
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.WriteJSON(protocol.ServerMessage{Type: protocol.TypeError, Message: "invalid request"})
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	s.log.Info("request received", slog.String("mode", req.Mode), slog.Bool("stream", req.Stream))

	// Drain anything else the client sends so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			s.mu.Lock()
			s.extra++
			s.mu.Unlock()
		}
	}()

	for _, frame := range s.script {
		if frame.Delay > 0 {
			time.Sleep(frame.Delay)
		}
		if frame.Drop {
			_ = conn.UnderlyingConn().Close()
			return
		}
		var werr error
		if frame.Raw != "" {
			werr = conn.WriteMessage(websocket.TextMessage, []byte(frame.Raw))
		} else {
			werr = conn.WriteJSON(frame.Message)
		}
		if werr != nil {
			s.log.Warn("write frame failed", slog.String("error", werr.Error()))
			return
		}
	}

	// Let the client close first; it sends a close frame after a terminal event.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	time.Sleep(50 * time.Millisecond)
}
