// SPDX-License-Identifier: MIT

package slimproto

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tomtom215/slimbridge-go/internal/mime"
	"github.com/tomtom215/slimbridge-go/internal/player"
)

// PCM parameter tables, indexed by the ASCII digit-offset fields of strm and
// codc. '?' in any slot means the value is unknown and detected later.
var (
	pcmSampleSizes = []int{8, 16, 24, 32}
	pcmSampleRates = []int{
		11025, 22050, 32000, 44100, 48000, 8000, 12000, 16000,
		24000, 96000, 88200, 176400, 192000, 352800, 384000,
	}
)

func pcmSampleSize(b byte) int {
	i := int(b - '0')
	if b == '?' || i < 0 || i >= len(pcmSampleSizes) {
		return 0
	}
	return pcmSampleSizes[i]
}

func pcmSampleRate(b byte) int {
	i := int(b - '0')
	if b == '?' || i < 0 || i >= len(pcmSampleRates) {
		return 0
	}
	return pcmSampleRates[i]
}

var pcmChannels = []int{1, 2}

func pcmChannelCount(b byte) int {
	i := int(b - '0')
	if b == '?' || i < 0 || i >= len(pcmChannels) {
		return 0
	}
	return pcmChannels[i]
}

// modeSpec is the parsed processing mode: what the output side encodes to
// and with which fixed parameters.
type modeSpec struct {
	encode     byte // 'p', 'f' or 'm'; ignored when thru
	thru       bool
	flow       bool
	rate       int // r: explicit (>0) or cap against source (<0)
	size       int // s: explicit sample size
	flacLevel  int
	mp3Bitrate int
}

// parseMode parses the configured mode string, e.g. "flc r:-48000 flac:5"
// or "pcm flow".
func parseMode(s string) (modeSpec, error) {
	m := modeSpec{encode: 'f', flacLevel: -1}
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		switch {
		case tok == "pcm":
			m.encode = 'p'
		case tok == "flc":
			m.encode = 'f'
		case tok == "mp3":
			m.encode = 'm'
		case tok == "thru":
			m.thru = true
		case tok == "flow":
			m.flow = true
		case strings.HasPrefix(tok, "r:"):
			v, err := strconv.Atoi(tok[2:])
			if err != nil {
				return m, fmt.Errorf("mode: bad rate %q: %w", tok, err)
			}
			m.rate = v
		case strings.HasPrefix(tok, "s:"):
			v, err := strconv.Atoi(tok[2:])
			if err != nil {
				return m, fmt.Errorf("mode: bad size %q: %w", tok, err)
			}
			m.size = v
		case strings.HasPrefix(tok, "flac:"):
			v, err := strconv.Atoi(tok[5:])
			if err != nil {
				return m, fmt.Errorf("mode: bad flac level %q: %w", tok, err)
			}
			m.flacLevel = v
		case strings.HasPrefix(tok, "mp3:"):
			v, err := strconv.Atoi(tok[4:])
			if err != nil {
				return m, fmt.Errorf("mode: bad mp3 bitrate %q: %w", tok, err)
			}
			m.mp3Bitrate = v
		default:
			return m, fmt.Errorf("mode: unknown token %q", tok)
		}
	}
	return m, nil
}

// knownCodec reports whether the format byte names a codec this player can
// handle at all.
func knownCodec(format byte) bool {
	return format == mime.CodecPCM || mime.ForCodec(format) != ""
}

// processStart is the format negotiator: it maps the protocol's coded
// format/rate/size/channels fields to a concrete decoder and output
// mime-type, opens the decoder, starts the output, and hands the new bridge
// URL upstream. A false return means the track is abandoned and the caller
// reports STMn.
func (c *Controller) processStart(format, sizeB, rateB, chanB, endianB byte) bool {
	if !knownCodec(format) {
		c.log.Error("unknown codec", "format", string(rune(format)))
		return false
	}

	c.output.Lock()
	c.output.Index++
	index := c.output.Index
	c.output.Unlock()

	rd := c.render.Snapshot()
	offset := 0
	if rd.Index >= 0 {
		// A gap between out and render index means tracks failed before
		// reaching the renderer; metadata lookup skips over them.
		offset = index - rd.Index
	}

	c.outputbuf.Resize(c.cfg.OutputBuf)

	meta, err := c.collab.Meta.Metadata(offset)
	if err != nil || meta == nil {
		c.log.Warn("no metadata for track", "offset", offset, "error", err)
		meta = &player.Metadata{}
	}

	size := pcmSampleSize(sizeB)
	rate := pcmSampleRate(rateB)
	channels := pcmChannelCount(chanB)
	bigEndian := endianB == '0'

	if c.cfg.SampleRate > 0 && rate > c.cfg.SampleRate {
		rate = c.cfg.SampleRate
	}

	c.mu.Lock()
	flowActive := c.flowActive
	enc := c.mode
	c.mu.Unlock()

	if flowActive {
		// Mid-flow track change: parameters are already fixed, only the
		// decoder input changes.
		if err := c.collab.Decoder.Open(format, size, rate, channels, bigEndian); err != nil {
			c.log.Error("codec open failed", "error", err)
			return false
		}
		c.setTrackParams(meta, 0, 0, 0, true)
		return true
	}

	if enc.flow && enc.thru {
		enc.flow = false
	}
	if enc.flow {
		if rate == 0 {
			rate = 44100
		}
		if size == 0 {
			size = 16
		}
		if channels == 0 {
			channels = 2
		}
		if meta.Title == "" {
			meta = &player.Metadata{Title: "Stream", Remote: true}
		}
	}

	encodeRate := rate
	switch {
	case enc.rate > 0:
		encodeRate = enc.rate
	case enc.rate < 0:
		if rate > -enc.rate {
			encodeRate = -enc.rate
		}
	}
	encodeSize := size
	if enc.size > 0 {
		encodeSize = enc.size
	}
	if encodeSize == 24 && c.cfg.L24Trunc {
		encodeSize = 16
	}
	encodeChannels := channels
	if encodeChannels == 0 {
		encodeChannels = 2
	}

	var mimeType string
	if enc.thru {
		src := format
		if src == mime.CodecFLAC {
			// Raw FLAC frames ride in their container when passed through.
			src = mime.CodecFLACCont
		}
		if src == mime.CodecPCM {
			mimeType = mime.ForPCM(encodeSize, encodeRate, encodeChannels, c.cfg.RawAudio)
		} else {
			mimeType = mime.ForCodec(src)
		}
	} else {
		switch enc.encode {
		case 'p':
			mimeType = mime.ForPCM(encodeSize, encodeRate, encodeChannels, c.cfg.RawAudio)
		case 'f':
			mimeType = "audio/flac"
		case 'm':
			mimeType = "audio/mpeg"
		}
	}
	if mimeType == "" {
		c.log.Error("no mime-type for stream", "format", string(rune(format)))
		return false
	}

	if err := c.collab.Decoder.Open(format, size, rate, channels, bigEndian); err != nil {
		c.log.Error("codec open failed", "error", err)
		return false
	}
	if err := c.collab.Output.Start(); err != nil {
		c.log.Error("output start failed", "error", err)
		return false
	}

	if enc.flow {
		c.mu.Lock()
		c.flowActive = true
		c.mu.Unlock()
		c.collab.Output.SetICY(meta, true)
	}

	c.setTrackParams(meta, encodeRate, encodeSize, encodeChannels, enc.flow)

	url := fmt.Sprintf("http://%s/bridge-%d.%s",
		net.JoinHostPort(c.cfg.BridgeHost, strconv.Itoa(c.cfg.BridgePort)),
		index, mime.Ext(mimeType))
	c.collab.Bridge.OnEvent(player.Event{
		Action: player.ActionSetTrack,
		Track: &player.Track{
			Index:        index,
			URL:          url,
			MimeType:     mimeType,
			StreamLength: c.cfg.StreamLength,
			Cookie:       uuid.New(),
		},
	})
	c.log.Info("track negotiated", "index", index, "mime", mimeType, "url", url)
	return true
}

// setTrackParams publishes the negotiated parameters and the track's
// metadata-derived fields into the output runtime.
func (c *Controller) setTrackParams(meta *player.Metadata, rate, size, channels int, flow bool) {
	c.output.Lock()
	if rate > 0 {
		c.output.SampleRate = rate
	}
	if size > 0 {
		c.output.SampleSize = size
	}
	if channels > 0 {
		c.output.Channels = channels
	}
	c.output.Remote = meta.Remote
	c.output.Duration = meta.Duration
	c.output.MSPlayed = 0
	c.output.Completed = false
	c.output.TrackStarted = false
	c.output.Flow = flow
	c.output.Unlock()
}
