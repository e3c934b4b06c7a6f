package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind tags a server Event.
type Kind int

const (
	KindMalformed Kind = iota
	KindStart
	KindAudio
	KindEnd
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return TypeStart
	case KindAudio:
		return TypeAudio
	case KindEnd:
		return TypeEnd
	case KindError:
		return TypeError
	default:
		return "malformed"
	}
}

// Event is one decoded inbound server message.
type Event struct {
	Kind       Kind
	SampleRate int
	Samples    []float32
	Message    string
	// Reason explains why a message was classified as malformed.
	Reason string
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError
}

// ErrMalformedChunk marks an audio payload that cannot be turned into float32 samples.
var ErrMalformedChunk = errors.New("malformed audio chunk")

const sampleWidth = 4

// DecodeEvent classifies one inbound message. Unparseable or unknown messages come back as
// KindMalformed with a nil error. An audio message whose fields cannot be read, or whose
// payload is not whole float32 samples, returns ErrMalformedChunk.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{Kind: KindMalformed, Reason: fmt.Sprintf("invalid json: %v", err)}, nil
	}
	if env.Type == nil {
		return Event{Kind: KindMalformed, Reason: "missing type"}, nil
	}
	switch *env.Type {
	case TypeStart:
		return Event{Kind: KindStart}, nil
	case TypeAudio:
		var audio audioPayload
		if err := json.Unmarshal(data, &audio); err != nil {
			return Event{}, fmt.Errorf("%w: fields: %v", ErrMalformedChunk, err)
		}
		samples, err := DecodeSamples(audio.AudioData)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: KindAudio, SampleRate: audio.SampleRate, Samples: samples}, nil
	case TypeEnd:
		return Event{Kind: KindEnd}, nil
	case TypeError:
		var payload errorPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			payload.Message = "unreadable error message: " + string(data)
		}
		return Event{Kind: KindError, Message: payload.Message}, nil
	default:
		return Event{Kind: KindMalformed, Reason: fmt.Sprintf("unknown type %q", *env.Type)}, nil
	}
}

// DecodeSamples turns standard base64 text into little-endian float32 PCM.
func DecodeSamples(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedChunk, err)
	}
	return BytesToSamples(raw)
}

// BytesToSamples reinterprets raw little-endian bytes as float32 samples.
func BytesToSamples(raw []byte) ([]float32, error) {
	if len(raw)%sampleWidth != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedChunk, len(raw), sampleWidth)
	}
	samples := make([]float32, len(raw)/sampleWidth)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*sampleWidth:]))
	}
	return samples, nil
}

// SamplesToBytes is the inverse of BytesToSamples.
func SamplesToBytes(samples []float32) []byte {
	raw := make([]byte, len(samples)*sampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*sampleWidth:], math.Float32bits(s))
	}
	return raw
}

// EncodeSamples renders samples as the base64 text carried in audio messages.
func EncodeSamples(samples []float32) string {
	return base64.StdEncoding.EncodeToString(SamplesToBytes(samples))
}

// AudioMessage builds the wire form of one audio chunk.
func AudioMessage(sampleRate int, samples []float32) ServerMessage {
	return ServerMessage{Type: TypeAudio, SampleRate: sampleRate, AudioData: EncodeSamples(samples)}
}
