// SPDX-License-Identifier: MIT

package slimproto

import (
	"bytes"
	"net"

	"github.com/tomtom215/slimbridge-go/internal/player"
)

// processStrm handles the stream-control opcode family. The subcommand is
// the first byte of the body.
func (c *Controller) processStrm(b []byte) {
	p, err := parseStrm(b)
	if err != nil {
		c.log.Warn("bad strm frame", "error", err)
		return
	}
	c.log.Debug("strm", "command", string(rune(p.Command)))

	switch p.Command {
	case 't':
		c.mu.Lock()
		c.serverTimestamp = p.ReplayGain
		c.mu.Unlock()
		c.sendSTAT("STMt")

	case 'f':
		c.flushAll()
		c.sendSTAT("STMf")
		c.streambuf.Flush()

	case 'q':
		c.mu.Lock()
		wasStop := c.lastCommand == 'q'
		c.mu.Unlock()
		c.flushAll()
		if !wasStop {
			c.collab.Bridge.OnEvent(player.Event{Action: player.ActionStop})
		}
		c.sendSTAT("STMf")
		c.streambuf.Flush()

	case 'p':
		// ReplayGain doubles as the pause interval; a delayed pause is part
		// of the protocol but not honored here.
		if p.ReplayGain != 0 {
			c.log.Warn("timed pause not supported", "interval_ms", p.ReplayGain)
			break
		}
		c.output.SetState(player.OutputWaiting)
		c.collab.Bridge.OnEvent(player.Event{Action: player.ActionPause})
		c.sendSTAT("STMp")

	case 'a':
		c.log.Debug("skip-ahead ignored", "interval_ms", p.ReplayGain)

	case 'u':
		c.output.Lock()
		c.output.State = player.OutputRunning
		c.output.StartAt = p.ReplayGain
		c.output.Unlock()
		c.collab.Bridge.OnEvent(player.Event{Action: player.ActionUnpause})
		c.sendSTAT("STMr")

	case 's':
		c.handleStart(p)

	default:
		c.log.Warn("unknown strm subcommand", "command", string(rune(p.Command)))
	}

	c.mu.Lock()
	c.lastCommand = p.Command
	c.mu.Unlock()
}

// handleStart begins a new stream: negotiate the format, connect the stream
// reader, and rearm the per-track status machine.
func (c *Controller) handleStart(p *strmPacket) {
	if len(p.Header) > maxHeader-1 {
		c.log.Error("request header too large", "len", len(p.Header))
		c.sendSTAT("STMn")
		return
	}

	autostart := p.Autostart - '0'
	c.mu.Lock()
	c.autostart = autostart
	c.mu.Unlock()

	c.sendSTAT("STMf")

	ok := true
	switch {
	case p.Format != '?':
		ok = c.processStart(p.Format, p.PCMSampleSize, p.PCMSampleRate, p.PCMChannels, p.PCMEndianness)
	case autostart >= 2:
		// Format arrives in a later codc.
	default:
		c.log.Error("stream start with unknown format and no codc to follow")
		ok = false
	}

	if ok {
		ip := p.ServerIP
		if ip == nil || ip.Equal(net.IPv4zero) {
			c.mu.Lock()
			ip = c.server.IP
			c.mu.Unlock()
		}
		c.stream.Lock()
		c.stream.BytesRecv = 0
		c.stream.Header = nil
		c.stream.HeaderSent = false
		c.stream.Threshold = int(p.Threshold) * 1024
		c.stream.Unlock()

		if err := c.collab.Streamer.Connect(ip, p.ServerPort, p.Header, int(p.Threshold)*1024, autostart >= 2); err != nil {
			c.log.Error("stream connect failed", "error", err)
			ok = false
		} else {
			c.sendSTAT("STMc")
		}
	}

	c.mu.Lock()
	c.sentSTMs = false
	c.sentSTMl = false
	c.sentSTMd = false
	c.sentSTMu = false
	c.sentSTMo = false
	c.canSTMdu = false
	c.mu.Unlock()

	if !ok {
		c.sendSTAT("STMn")
	}
}

// flushAll stops the decoder, output and stream and zeroes playback
// progress. The stream buffer itself is flushed by the callers after the
// status reply, matching the wire ordering.
func (c *Controller) flushAll() {
	c.collab.Decoder.Flush()
	c.decode.SetState(player.DecodeStopped)
	c.collab.Output.Flush()
	c.output.Lock()
	c.output.State = player.OutputStopped
	c.output.MSPlayed = 0
	c.output.Completed = false
	c.output.TrackStarted = false
	c.output.Unlock()
	c.collab.Streamer.Disconnect()
	c.stream.SetState(player.StreamStopped)
}

// processCont promotes a deferred autostart once the server has released the
// stream, carrying the negotiated ICY meta-interval.
func (c *Controller) processCont(b []byte) {
	p, err := parseCont(b)
	if err != nil {
		c.log.Warn("bad cont frame", "error", err)
		return
	}
	// Loop count is reserved.
	c.log.Debug("cont", "metaint", p.MetaInterval, "loop", p.Loop)

	c.mu.Lock()
	if c.autostart >= 2 {
		c.autostart -= 2
	}
	c.mu.Unlock()

	c.stream.Lock()
	if c.stream.State == player.StreamWait {
		c.stream.State = player.StreamBuffering
	}
	c.stream.MetaInterval = p.MetaInterval
	c.stream.Unlock()

	c.Wake()
}

// processCodc carries the format fields that a strm s with format '?'
// deferred.
func (c *Controller) processCodc(b []byte) {
	p, err := parseCodc(b)
	if err != nil {
		c.log.Warn("bad codc frame", "error", err)
		return
	}
	if !c.processStart(p.Format, p.PCMSampleSize, p.PCMSampleRate, p.PCMChannels, p.PCMEndianness) {
		c.sendSTAT("STMn")
	}
}

// processAude toggles the player outputs.
func (c *Controller) processAude(b []byte) {
	p, err := parseAude(b)
	if err != nil {
		c.log.Warn("bad aude frame", "error", err)
		return
	}
	on := p.EnableSpdif != 0
	c.mu.Lock()
	c.on = on
	c.mu.Unlock()
	c.collab.Bridge.OnEvent(player.Event{Action: player.ActionOnOff, On: on})
}

// processAudg applies a volume change. The average uses the left gain twice,
// as the original does; LMS sends identical channel gains for this player
// class, so the wire behavior is unchanged.
func (c *Controller) processAudg(b []byte) {
	p, err := parseAudg(b)
	if err != nil {
		c.log.Warn("bad audg frame", "error", err)
		return
	}
	volume := float64(p.OldGainL+p.OldGainL) / 2
	if p.Adjust != 0 {
		c.collab.Bridge.OnEvent(player.Event{Action: player.ActionVolume, Volume: volume})
	}
}

// processSetd gets or sets a player setting; only id 0 (player name) is
// meaningful.
func (c *Controller) processSetd(b []byte) {
	p, err := parseSetd(b)
	if err != nil {
		c.log.Warn("bad setd frame", "error", err)
		return
	}
	if p.ID != 0 {
		c.log.Debug("setd for unsupported id", "id", p.ID)
		return
	}

	if len(p.Data) == 0 {
		c.mu.Lock()
		name := c.name
		c.mu.Unlock()
		c.sendSETDName(name)
		return
	}

	name := p.Data
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) > nameMax {
		name = name[:nameMax]
	}
	c.mu.Lock()
	c.name = string(name)
	c.mu.Unlock()
	c.sendSETDName(string(name))
	c.collab.Bridge.OnEvent(player.Event{Action: player.ActionSetName, Name: string(name)})
}

func (c *Controller) sendSETDName(name string) {
	if c.conn == nil {
		return
	}
	body := encodeSETD(0, append([]byte(name), 0))
	if err := sendFrame(c.conn, "SETD", body); err != nil {
		c.log.Warn("SETD dropped", "error", err)
	}
}

// processServ redirects the player to another server. The 10-byte sync
// group id, when present, rides into the next HELO's variable capabilities.
func (c *Controller) processServ(b []byte) {
	p, err := parseServ(b)
	if err != nil {
		c.log.Warn("bad serv frame", "error", err)
		return
	}
	c.mu.Lock()
	c.newServer = p.ServerIP
	if p.SyncGroupID != nil {
		c.pendingCap = ",SyncgroupID=" + string(p.SyncGroupID)
	}
	c.mu.Unlock()
	c.log.Info("server switch requested", "server", p.ServerIP)
	c.collab.Bridge.OnEvent(player.Event{Action: player.ActionSetServer, Server: p.ServerIP.String()})
}

func (c *Controller) processLedc(b []byte) {
	c.log.Debug("ledc", "len", len(b))
}

func (c *Controller) processVers(b []byte) {
	c.log.Debug("server version", "version", string(bytes.TrimRight(b, "\x00")))
}
