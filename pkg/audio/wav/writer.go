// Package wav reads and writes 16-bit PCM WAV data and converts between WAV
// files and audio frames.
package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Encode wraps raw 16-bit little-endian PCM in a WAV container.
func Encode(pcm []byte, sampleRate, numChannels int) ([]byte, error) {
	if sampleRate <= 0 || numChannels <= 0 {
		return nil, fmt.Errorf("invalid format: %d Hz, %d channels", sampleRate, numChannels)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm data is not 16-bit aligned: %d bytes", len(pcm))
	}

	const bitsPerSample = 16
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// EncodeFrames concatenates the frames' PCM and wraps it in a WAV container.
// All frames must share the format of the first one.
func EncodeFrames(frames []rtc.AudioFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to encode")
	}

	sampleRate := frames[0].SampleRate
	channels := frames[0].NumChannels

	total := 0
	for _, f := range frames {
		if f.SampleRate != sampleRate || f.NumChannels != channels {
			return nil, fmt.Errorf("mixed frame formats: %d Hz/%d ch vs %d Hz/%d ch",
				f.SampleRate, f.NumChannels, sampleRate, channels)
		}
		total += len(f.Data)
	}

	pcm := make([]byte, 0, total)
	for _, f := range frames {
		pcm = append(pcm, f.Data...)
	}
	return Encode(pcm, sampleRate, channels)
}

// WriteFile encodes the frames and writes them to a WAV file.
func WriteFile(filename string, frames []rtc.AudioFrame) error {
	data, err := EncodeFrames(frames)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
