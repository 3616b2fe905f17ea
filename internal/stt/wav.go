package stt

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// tempWAV writes 16-bit little-endian PCM to a temporary WAV file. The
// caller must call cleanup once the file is no longer needed.
func tempWAV(pcm []byte, sampleRate, channels int) (*os.File, func(), error) {
	if len(pcm)%2 != 0 {
		return nil, nil, fmt.Errorf("pcm payload has odd length %d", len(pcm))
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, nil, fmt.Errorf("invalid audio format %d Hz x %d", sampleRate, channels)
	}
	file, err := os.CreateTemp("", "standup_*.wav")
	if err != nil {
		return nil, nil, fmt.Errorf("temp wav: %w", err)
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(file.Name())
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("finish wav: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("rewind wav: %w", err)
	}
	return file, cleanup, nil
}
