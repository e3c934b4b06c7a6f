package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestSamplesRoundTripBitExact(t *testing.T) {
	inputs := [][]float32{
		{},
		{0.5},
		{-1, 1, 0.25, -0.125},
		{float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.Copysign(0, -1)), math.SmallestNonzeroFloat32, math.MaxFloat32},
		{float32(math.NaN())},
	}
	for _, in := range inputs {
		out, err := DecodeSamples(EncodeSamples(in))
		if err != nil {
			t.Fatalf("decode %v: %v", in, err)
		}
		if len(out) != len(in) {
			t.Fatalf("expected %d samples, got %d", len(in), len(out))
		}
		for i := range in {
			if math.Float32bits(out[i]) != math.Float32bits(in[i]) {
				t.Fatalf("sample %d: bits %08x != %08x", i, math.Float32bits(out[i]), math.Float32bits(in[i]))
			}
		}
	}
}

func TestSamplesAreLittleEndian(t *testing.T) {
	// 1.0f is 0x3f800000.
	samples, err := BytesToSamples([]byte{0x00, 0x00, 0x80, 0x3f})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(samples) != 1 || samples[0] != 1 {
		t.Fatalf("expected [1], got %v", samples)
	}
}

func TestDecodeSamplesRejectsMisaligned(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(make([]byte, 6))
	if _, err := DecodeSamples(encoded); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestDecodeSamplesRejectsBadBase64(t *testing.T) {
	if _, err := DecodeSamples("not base64!!"); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
}

func TestDecodeEventVariants(t *testing.T) {
	audio, err := json.Marshal(AudioMessage(24000, []float32{0.1, 0.2}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cases := []struct {
		name string
		raw  string
		kind Kind
	}{
		{"start", `{"type":"start"}`, KindStart},
		{"audio", string(audio), KindAudio},
		{"end", `{"type":"end"}`, KindEnd},
		{"error", `{"type":"error","message":"boom"}`, KindError},
		{"unknown", `{"type":"progress"}`, KindMalformed},
		{"missing type", `{"sample_rate":1}`, KindMalformed},
		{"not json", `hello`, KindMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, ev.Kind)
			}
		})
	}
}

func TestDecodeEventAudioFields(t *testing.T) {
	raw, _ := json.Marshal(AudioMessage(16000, []float32{0.5, -0.5, 0.75}))
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SampleRate != 16000 {
		t.Fatalf("expected 16000, got %d", ev.SampleRate)
	}
	if len(ev.Samples) != 3 || ev.Samples[2] != 0.75 {
		t.Fatalf("unexpected samples %v", ev.Samples)
	}
}

func TestDecodeEventErrorMessage(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"error","message":"voice not found"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ev.Terminal() || ev.Message != "voice not found" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecodeEventMalformedAudio(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(SamplesToBytes([]float32{0.5}))
	cases := map[string]string{
		"misaligned payload":   `{"type":"audio","sample_rate":24000,"audio_data":"` + base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4, 5, 6}) + `"}`,
		"string sample rate":   `{"type":"audio","sample_rate":"24000","audio_data":"` + valid + `"}`,
		"fractional rate":      `{"type":"audio","sample_rate":24000.5,"audio_data":"` + valid + `"}`,
		"numeric audio data":   `{"type":"audio","sample_rate":24000,"audio_data":12345}`,
		"array audio data":     `{"type":"audio","sample_rate":24000,"audio_data":[1,2,3]}`,
		"object sample rate":   `{"type":"audio","sample_rate":{},"audio_data":"` + valid + `"}`,
		"invalid base64 chars": `{"type":"audio","sample_rate":24000,"audio_data":"!!!!"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEvent([]byte(raw)); !errors.Is(err, ErrMalformedChunk) {
				t.Fatalf("expected ErrMalformedChunk, got %v", err)
			}
		})
	}
}

func TestDecodeEventErrorWithBadMessageStillTerminates(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"error","message":42}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != KindError || ev.Message == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRequestWireShape(t *testing.T) {
	req := SynthesisRequest{Text: "hi", Mode: "zero_shot", PromptWav: "a.wav", Stream: true, Speed: 1, Seed: 7}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"tts_text", "mode", "prompt_text", "prompt_wav", "stream", "speed", "seed"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing field %q in %s", key, data)
		}
	}
}
