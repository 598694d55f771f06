package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Header holds the format of a decoded WAV file.
type Header struct {
	SampleRate    int
	NumChannels   int
	BitsPerSample int
	DataSize      int
}

// Decode parses a 16-bit PCM WAV file and returns its header and raw PCM.
func Decode(data []byte) (Header, []byte, error) {
	r := bytes.NewReader(data)

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Header{}, nil, fmt.Errorf("short RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Header{}, nil, fmt.Errorf("not a WAV file")
	}

	var h Header
	var pcm []byte
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return Header{}, nil, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(chunk[0:4])
		size := int(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			fmtChunk := make([]byte, size)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return Header{}, nil, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(fmtChunk[0:2]); format != 1 {
				return Header{}, nil, fmt.Errorf("unsupported WAV format %d (only PCM)", format)
			}
			h.NumChannels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
		case "data":
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return Header{}, nil, fmt.Errorf("reading data chunk: %w", err)
			}
			h.DataSize = size
		default:
			// Skip unknown chunks (LIST, fact, ...).
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return Header{}, nil, fmt.Errorf("skipping %q chunk: %w", id, err)
			}
		}
	}

	if h.SampleRate == 0 {
		return Header{}, nil, fmt.Errorf("missing fmt chunk")
	}
	if h.BitsPerSample != 16 {
		return Header{}, nil, fmt.Errorf("unsupported bit depth %d (only 16)", h.BitsPerSample)
	}
	if pcm == nil {
		return Header{}, nil, fmt.Errorf("missing data chunk")
	}
	return h, pcm, nil
}

// ReadFrames reads a WAV file and slices it into frames of the given
// duration. A trailing partial frame is zero-padded.
func ReadFrames(filename string, frameDuration time.Duration) ([]rtc.AudioFrame, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading WAV file: %w", err)
	}
	h, pcm, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filename, err)
	}

	if frameDuration <= 0 {
		frameDuration = rtc.DefaultFrameDuration
	}
	samplesPerFrame := int(int64(h.SampleRate) * int64(frameDuration) / int64(time.Second))
	bytesPerFrame := samplesPerFrame * h.NumChannels * 2

	var frames []rtc.AudioFrame
	for off, seq := 0, uint64(0); off < len(pcm); off, seq = off+bytesPerFrame, seq+1 {
		chunk := make([]byte, bytesPerFrame)
		copy(chunk, pcm[off:min(off+bytesPerFrame, len(pcm))])

		frames = append(frames, rtc.AudioFrame{
			Seq:               seq,
			Data:              chunk,
			SampleRate:        h.SampleRate,
			SamplesPerChannel: samplesPerFrame,
			NumChannels:       h.NumChannels,
			Timestamp:         time.Duration(seq) * frameDuration,
		})
	}
	return frames, nil
}
