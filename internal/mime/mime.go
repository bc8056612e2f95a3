// SPDX-License-Identifier: MIT

// Package mime maps SlimProto codec codes and PCM parameters to the
// mime-types and file extensions used on the bridge URL, and back.
package mime

import (
	"fmt"
	"strings"
)

// Codec codes as they appear in the strm/codc format byte. FLAC inside its
// container is 'c'; the raw-frame variant is 'f'.
const (
	CodecPCM      = 'p'
	CodecFLAC     = 'f'
	CodecFLACCont = 'c'
	CodecMP3      = 'm'
	CodecAAC      = 'a'
	CodecALAC     = 'l'
	CodecOgg      = 'o'
	CodecWMA      = 'w'
)

// RawAudio selects the container advertised for uncompressed audio.
type RawAudio int

const (
	RawL16 RawAudio = iota // bare audio/L16 / audio/L24
	RawWAV
	RawAIFF
)

// ForCodec returns the mime-type for a compressed codec code, or "" when the
// code is unknown.
func ForCodec(codec byte) string {
	switch codec {
	case CodecFLAC, CodecFLACCont:
		return "audio/flac"
	case CodecMP3:
		return "audio/mpeg"
	case CodecAAC:
		return "audio/aac"
	case CodecALAC:
		return "audio/mp4"
	case CodecOgg:
		return "audio/ogg"
	case CodecWMA:
		return "audio/x-ms-wma"
	default:
		return ""
	}
}

// ForPCM returns the mime-type for uncompressed audio with the given
// parameters. With RawL16 the sample size selects audio/L24 (24), audio/L32
// (32) or audio/L16 (any other size) with explicit rate and channel
// parameters; otherwise the container type is returned.
func ForPCM(size, rate, channels int, raw RawAudio) string {
	switch raw {
	case RawWAV:
		return "audio/wav"
	case RawAIFF:
		return "audio/aiff"
	}
	base := "audio/L16"
	if size == 24 {
		base = "audio/L24"
	} else if size == 32 {
		base = "audio/L32"
	}
	return fmt.Sprintf("%s;rate=%d;channels=%d", base, rate, channels)
}

// Format returns the codec code for a mime-type, or 0 when unknown.
func Format(mimeType string) byte {
	m := strings.ToLower(mimeType)
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	switch strings.TrimSpace(m) {
	case "audio/flac", "audio/x-flac":
		return CodecFLAC
	case "audio/mpeg", "audio/mp3":
		return CodecMP3
	case "audio/aac", "audio/x-aac":
		return CodecAAC
	case "audio/mp4", "audio/m4a":
		return CodecALAC
	case "audio/ogg", "application/ogg":
		return CodecOgg
	case "audio/x-ms-wma":
		return CodecWMA
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/aiff", "audio/x-aiff",
		"audio/l8", "audio/l16", "audio/l24", "audio/l32":
		return CodecPCM
	default:
		return 0
	}
}

// Ext returns the bridge URL file extension for a mime-type.
func Ext(mimeType string) string {
	m := strings.ToLower(mimeType)
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	switch strings.TrimSpace(m) {
	case "audio/flac", "audio/x-flac":
		return "flac"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/aac", "audio/x-aac":
		return "aac"
	case "audio/mp4", "audio/m4a":
		return "m4a"
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/x-ms-wma":
		return "wma"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/aiff", "audio/x-aiff":
		return "aif"
	default:
		return "pcm"
	}
}
