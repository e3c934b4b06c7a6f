// Package wavout persists reconstructed sessions as mono 32-bit IEEE float WAV files.
package wavout

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth        = 32
	formatIEEEFloat = 3
	channels        = 1
)

// WriteFloat32 writes samples to path, creating parent directories as needed. The file is
// written to a temporary name first and renamed into place.
func WriteFloat32(path string, sampleRate int, samples []float32) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".ttsplay_*.wav")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, sampleRate, samples); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close wav: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename wav: %w", err)
	}
	return nil
}

func encode(file *os.File, sampleRate int, samples []float32) error {
	// The encoder only takes integer buffers; at 32 bits it writes each value as an int32, so the
	// float bit patterns pass through unchanged.
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(int32(math.Float32bits(s)))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}

	enc := wav.NewEncoder(file, sampleRate, bitDepth, channels, formatIEEEFloat)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
