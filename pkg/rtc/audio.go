package rtc

import (
	"fmt"
	"time"
)

// DefaultSampleRate is the sample rate all pipeline audio is standardized to.
const DefaultSampleRate = 16000

// DefaultFrameDuration is the duration of one transport frame.
const DefaultFrameDuration = 20 * time.Millisecond

// AudioFrame represents one fixed-duration block of PCM audio.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
// Frames are immutable after creation; Seq is strictly increasing per session.
type AudioFrame struct {
	Seq               uint64        // monotonic per-session sequence number
	Data              []byte        // 16-bit PCM, little-endian
	SampleRate        int           // standardized to 16 000
	SamplesPerChannel int
	NumChannels       int // mono for the speech pipeline
	Timestamp         time.Duration // capture time relative to session start
}

// NewAudioFrame creates a new AudioFrame with the specified parameters.
// Data length is validated against SamplesPerChannel * NumChannels * 2.
func NewAudioFrame(seq uint64, data []byte, sampleRate, samplesPerChannel, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	expectedLen := samplesPerChannel * numChannels * 2
	if len(data) != expectedLen {
		return nil, fmt.Errorf("AudioFrame data length mismatch: got %d bytes, expected %d bytes for %dHz %d-channel audio",
			len(data), expectedLen, sampleRate, numChannels)
	}

	return &AudioFrame{
		Seq:               seq,
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
		Timestamp:         timestamp,
	}, nil
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	c := *f
	c.Data = data
	return &c
}

// Duration returns the playback duration represented by this frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Valid reports whether the frame matches the expected PCM16 layout.
func (f *AudioFrame) Valid() bool {
	if f.SampleRate <= 0 || f.NumChannels <= 0 || f.SamplesPerChannel <= 0 {
		return false
	}
	return len(f.Data) == f.SamplesPerChannel*f.NumChannels*2
}
