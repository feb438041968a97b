package voxcapture

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-audio/audio"
)

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// IntBuffer decodes captured little-endian bytes into a go-audio buffer.
// Float samples are scaled to the 16-bit range. data must hold whole frames.
func (f MixFormat) IntBuffer(data []byte) (*audio.IntBuffer, error) {
	bytesPerSample := int(f.BitsPerSample / 8)
	if bytesPerSample == 0 || f.BlockAlign == 0 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}
	if len(data)%int(f.BlockAlign) != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %d-byte frames", len(data), f.BlockAlign)
	}

	depth := int(f.BitsPerSample)
	if f.Encoding == EncodingFloat {
		depth = 16
	}
	buf := &audio.IntBuffer{
		Data: make([]int, 0, len(data)/bytesPerSample),
		Format: &audio.Format{
			NumChannels: int(f.Channels),
			SampleRate:  int(f.SampleRate),
		},
		SourceBitDepth: depth,
	}

	for i := 0; i+bytesPerSample <= len(data); i += bytesPerSample {
		s, err := f.decodeSample(data[i : i+bytesPerSample])
		if err != nil {
			return nil, err
		}
		buf.Data = append(buf.Data, s)
	}
	return buf, nil
}

func (f MixFormat) decodeSample(b []byte) (int, error) {
	switch {
	case f.Encoding == EncodingFloat && len(b) == 4:
		return floatToInt16(float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))), nil
	case f.Encoding == EncodingFloat && len(b) == 8:
		return floatToInt16(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case f.Encoding == EncodingPCM && len(b) == 1:
		// 8-bit PCM is unsigned.
		return int(b[0]) - 128, nil
	case f.Encoding == EncodingPCM && len(b) == 2:
		return int(int16(binary.LittleEndian.Uint16(b))), nil
	case f.Encoding == EncodingPCM && len(b) == 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return int(v<<8) >> 8, nil
	case f.Encoding == EncodingPCM && len(b) == 4:
		return int(int32(binary.LittleEndian.Uint32(b))), nil
	}
	return 0, fmt.Errorf("%w: %s with %d-byte samples", ErrUnsupportedFormat, f.Encoding, len(b))
}

func floatToInt16(v float64) int {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(v * math.MaxInt16)
}

// PeakLevel returns the largest absolute sample in data, normalized to
// [0, 1]. It returns 0 for data it cannot decode.
func (f MixFormat) PeakLevel(data []byte) float64 {
	buf, err := f.IntBuffer(data)
	if err != nil || len(buf.Data) == 0 {
		return 0
	}
	peak := 0
	for _, s := range buf.Data {
		peak = max(peak, absInt(s))
	}
	full := float64(int(1)<<(buf.SourceBitDepth-1) - 1)
	return math.Min(float64(peak)/full, 1)
}
