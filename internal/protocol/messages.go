package protocol

import "time"

// SynthesisRequest is sent exactly once at the start of a session.
type SynthesisRequest struct {
	Text       string  `json:"tts_text"`
	Mode       string  `json:"mode"`
	PromptText string  `json:"prompt_text"`
	PromptWav  string  `json:"prompt_wav"`
	Stream     bool    `json:"stream"`
	Speed      float64 `json:"speed"`
	Seed       int64   `json:"seed"`
}

// Inbound discriminator values.
const (
	TypeStart = "start"
	TypeAudio = "audio"
	TypeEnd   = "end"
	TypeError = "error"
)

// envelope carries only the discriminator; the rest of the message is decoded per type.
type envelope struct {
	Type *string `json:"type"`
}

type audioPayload struct {
	SampleRate int    `json:"sample_rate"`
	AudioData  string `json:"audio_data"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServerMessage is the outbound shape used by servers (and the mock server) to emit events.
type ServerMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	AudioData  string `json:"audio_data,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ChunkNotice is published on the progress bus for every played chunk.
type ChunkNotice struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	Samples    int       `json:"samples"`
	SampleRate int       `json:"sample_rate"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionNotice is published on the progress bus when a session ends.
type SessionNotice struct {
	SessionID  string    `json:"session_id"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	Chunks     int       `json:"chunks"`
	Samples    int       `json:"samples"`
	SampleRate int       `json:"sample_rate,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectChunkSuffix = "chunk"
	SubjectDoneSuffix  = "done"
)
