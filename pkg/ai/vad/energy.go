package vad

import (
	"encoding/binary"
	"math"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// DefaultEnergyFloor is the normalized RMS level mapped to probability 0.
const DefaultEnergyFloor = 0.005

// DefaultEnergyCeiling is the normalized RMS level mapped to probability 1.
const DefaultEnergyCeiling = 0.12

// EnergyScorer is a pure-Go scorer based on RMS signal energy. It maps the
// frame's normalized RMS level linearly onto [0, 1] between a floor and a
// ceiling. Good enough for telephony audio when no model-based scorer is
// available.
type EnergyScorer struct {
	floor   float32
	ceiling float32
}

// NewEnergyScorer creates an EnergyScorer with the default floor and ceiling.
func NewEnergyScorer() *EnergyScorer {
	return &EnergyScorer{floor: DefaultEnergyFloor, ceiling: DefaultEnergyCeiling}
}

// NewEnergyScorerWithRange creates an EnergyScorer with a custom RMS range.
func NewEnergyScorerWithRange(floor, ceiling float32) *EnergyScorer {
	if ceiling <= floor {
		ceiling = floor + 0.001
	}
	return &EnergyScorer{floor: floor, ceiling: ceiling}
}

// Score returns the speech probability of the frame based on its RMS energy.
func (s *EnergyScorer) Score(frame rtc.AudioFrame) float32 {
	level := rmsLevel(frame.Data)
	switch {
	case level <= s.floor:
		return 0
	case level >= s.ceiling:
		return 1
	default:
		return (level - s.floor) / (s.ceiling - s.floor)
	}
}

// rmsLevel computes the RMS of 16-bit little-endian PCM, normalized to [0, 1].
func rmsLevel(data []byte) float32 {
	samples := len(data) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		sum += float64(sample) * float64(sample)
	}

	rms := math.Sqrt(sum / float64(samples))
	return float32(rms) / 32768.0
}
