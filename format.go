package voxcapture

import (
	"fmt"

	"github.com/go-audio/audio"
	"github.com/google/uuid"
)

// Wave format tags reported by devices.
const (
	WaveFormatPCM        uint16 = 0x0001
	WaveFormatIEEEFloat  uint16 = 0x0003
	WaveFormatExtensible uint16 = 0xFFFE
)

// Sub-format identifiers carried by extensible formats.
var (
	SubtypePCM       = uuid.MustParse("00000001-0000-0010-8000-00aa00389b71")
	SubtypeIEEEFloat = uuid.MustParse("00000003-0000-0010-8000-00aa00389b71")
)

// WaveFormat is the raw format a device reports for its shared-mode mix.
type WaveFormat struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16

	// Extensible only.
	ValidBitsPerSample uint16
	ChannelMask        uint32
	SubFormat          uuid.UUID
}

// SampleEncoding discriminates the sample representation of a mix format.
type SampleEncoding int

const (
	EncodingUnsupported SampleEncoding = iota
	EncodingPCM
	EncodingFloat
)

func (e SampleEncoding) String() string {
	switch e {
	case EncodingPCM:
		return "PCM"
	case EncodingFloat:
		return "Float"
	default:
		return "Unsupported"
	}
}

// MixFormat is the negotiated format of the capture stream. It is derived
// once during Initialize and never changes afterwards.
type MixFormat struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
	BlockAlign    uint16
	Encoding      SampleEncoding
}

// BytesPerSecond returns the byte rate of the stream.
func (f MixFormat) BytesPerSecond() uint32 {
	return f.SampleRate * uint32(f.BlockAlign)
}

// ParseMixFormat derives a MixFormat from a raw device format. Only integer
// and float PCM are accepted; anything else fails with ErrUnsupportedFormat.
func ParseMixFormat(wf WaveFormat) (MixFormat, error) {
	var enc SampleEncoding
	switch wf.FormatTag {
	case WaveFormatPCM:
		enc = EncodingPCM
	case WaveFormatIEEEFloat:
		enc = EncodingFloat
	case WaveFormatExtensible:
		switch wf.SubFormat {
		case SubtypePCM:
			enc = EncodingPCM
		case SubtypeIEEEFloat:
			enc = EncodingFloat
		default:
			return MixFormat{}, fmt.Errorf("%w: extensible sub-format %s", ErrUnsupportedFormat, wf.SubFormat)
		}
	default:
		return MixFormat{}, fmt.Errorf("%w: format tag 0x%04x", ErrUnsupportedFormat, wf.FormatTag)
	}

	if wf.SamplesPerSec == 0 || wf.Channels == 0 || wf.BitsPerSample == 0 {
		return MixFormat{}, fmt.Errorf("%w: %d Hz, %d channels, %d bits",
			ErrUnsupportedFormat, wf.SamplesPerSec, wf.Channels, wf.BitsPerSample)
	}

	blockAlign := wf.BlockAlign
	if blockAlign == 0 {
		blockAlign = wf.Channels * (wf.BitsPerSample / 8)
	}

	return MixFormat{
		SampleRate:    wf.SamplesPerSec,
		Channels:      wf.Channels,
		BitsPerSample: wf.BitsPerSample,
		BlockAlign:    blockAlign,
		Encoding:      enc,
	}, nil
}

// EncodingProperties describes the captured stream to consumers.
type EncodingProperties struct {
	Subtype       string // "PCM" or "Float"
	SampleRate    uint32
	ChannelCount  uint32
	BitsPerSample uint32
	Bitrate       uint32
}

// EncodingProperties builds the public descriptor for the format.
func (f MixFormat) EncodingProperties() EncodingProperties {
	return EncodingProperties{
		Subtype:       f.Encoding.String(),
		SampleRate:    f.SampleRate,
		ChannelCount:  uint32(f.Channels),
		BitsPerSample: uint32(f.BitsPerSample),
		Bitrate:       f.SampleRate * uint32(f.Channels) * uint32(f.BitsPerSample),
	}
}

// IsFloat reports whether samples are IEEE floats.
func (p EncodingProperties) IsFloat() bool {
	return p.Subtype == EncodingFloat.String()
}

// AudioFormat returns the go-audio format matching the stream.
func (p EncodingProperties) AudioFormat() *audio.Format {
	return &audio.Format{
		NumChannels: int(p.ChannelCount),
		SampleRate:  int(p.SampleRate),
	}
}
