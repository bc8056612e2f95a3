// SPDX-License-Identifier: MIT

package slimproto

import (
	"time"

	"github.com/tomtom215/slimbridge-go/internal/player"
)

// statusTick is the heart of the playback status machine. It runs after every
// inbound frame and at least every tick interval (a wake does not trigger an
// earlier run): each runtime is sampled under its
// own lock (stream, then output, then decode), the set of messages to emit
// is decided, and only then — with no lock held — are the messages sent, in
// a fixed order: DSCO, STMs, STMt, STMl, STMd, STMu, STMo, STMn, RESP, META.
func (c *Controller) statusTick(now time.Time) {
	c.cli.CloseIfIdle(cliIdleTimeout)

	var (
		dsco              bool
		dscoCode          byte
		stms, stmt, stml  bool
		stmd, stmu, stmo  bool
		stmn              bool
		respHdr, metaBlob []byte
	)

	// Stream domain.
	st := c.stream.Snapshot()
	if st.State == player.StreamDisconnect {
		dsco = true
		dscoCode = byte(st.DisconnectCode)
		c.stream.SetState(player.StreamStopped)
		st.State = player.StreamStopped
	}
	if st.HeaderPending &&
		(st.State == player.StreamHTTP || st.State == player.StreamWait || st.State == player.StreamBuffering) {
		respHdr = c.stream.TakeHeader()
	}
	if st.MetaPending {
		metaBlob = c.stream.TakeMetadata()
	}

	// Output domain.
	ot := c.output.Snapshot()
	if ot.TrackStarted {
		c.output.ClearTrackStarted()
		c.mu.Lock()
		if !c.sentSTMs {
			c.sentSTMs = true
			stms = true
		}
		c.canSTMdu = true
		c.mu.Unlock()
	}

	rd := c.render.Snapshot()

	// Stream failure: the source never delivered a byte yet the output ran
	// dry. Report STMn and unblock the track machine so the next strm s is
	// accepted cleanly.
	if st.BytesRecv == 0 && ot.Completed && ot.State == player.OutputRunning {
		stmn = true
		c.render.SetState(player.RenderStopped)
		rd.State = player.RenderStopped
		c.decode.SetState(player.DecodeStopped)
		c.output.SetState(player.OutputStopped)
		ot.State = player.OutputStopped
		c.mu.Lock()
		c.canSTMdu = true
		c.mu.Unlock()
	}

	// Decode domain.
	dt := c.decode.Snapshot()

	if dt.State == player.DecodeReady && st.State.Delivering() {
		c.mu.Lock()
		autostart := c.autostart
		sentl := c.sentSTMl
		c.mu.Unlock()
		switch autostart {
		case 0:
			c.decode.SetState(player.DecodeRunning)
			if !sentl {
				stml = true
				c.mu.Lock()
				c.sentSTMl = true
				c.mu.Unlock()
			}
			c.collab.Bridge.OnEvent(player.Event{Action: player.ActionPlay})
		case 1:
			// The server is not going to wait for a loaded report.
			c.decode.SetState(player.DecodeRunning)
			c.output.SetState(player.OutputRunning)
			c.collab.Bridge.OnEvent(player.Event{Action: player.ActionPlay})
		default:
			// autostart 2/3: a cont will demote us to 0/1 first.
		}
	}

	c.mu.Lock()
	canDU := c.canSTMdu
	sentd := c.sentSTMd
	sentu := c.sentSTMu
	sento := c.sentSTMo
	c.mu.Unlock()

	switch {
	case dt.State == player.DecodeError:
		stmn = true
		c.decode.SetState(player.DecodeStopped)
		if c.collab.Streamer.Disconnect() {
			c.stream.SetState(player.StreamStopped)
		}
	case dt.State == player.DecodeComplete && canDU && !sentd:
		// For remote sources outside flow mode, hold the next-track request
		// until near the end of the track so the source is not left idle
		// long enough for its server to drop us.
		gate := ot.Flow || !ot.Remote || ot.Duration == 0 ||
			ot.MSPlayed >= ot.Duration || ot.Duration-ot.MSPlayed < streamDelayMS
		if gate {
			stmd = true
			c.mu.Lock()
			c.sentSTMd = true
			c.mu.Unlock()
			c.decode.SetState(player.DecodeStopped)
			if c.collab.Streamer.Disconnect() {
				c.stream.SetState(player.StreamStopped)
				st.State = player.StreamStopped
			}
		}
	}

	// Graceful end: everything drained and the renderer has gone quiet.
	if !sentu && canDU && ot.State == player.OutputRunning && ot.Completed &&
		st.State == player.StreamStopped && rd.State == player.RenderStopped {
		stmu = true
		c.mu.Lock()
		c.sentSTMu = true
		c.mu.Unlock()
		c.output.Lock()
		c.output.State = player.OutputStopped
		c.output.Flow = false
		c.output.Unlock()
	}

	// Unexpected end: the renderer stopped while the source still looks
	// open.
	if !sento && !stmu && canDU && ot.State == player.OutputRunning && ot.Completed &&
		(st.State == player.StreamHTTP || st.State == player.StreamBuffering || st.State == player.StreamWait) &&
		rd.State == player.RenderStopped {
		stmo = true
		c.mu.Lock()
		c.sentSTMo = true
		c.mu.Unlock()
		c.output.SetState(player.OutputStopped)
	}

	if dt.State == player.DecodeRunning && now.Sub(c.lastSTMt) >= statInterval {
		c.lastSTMt = now
		stmt = true
	}

	// Emit with no lock held, in fixed order.
	if dsco {
		c.sendDSCO(dscoCode)
	}
	if stms {
		c.sendSTAT("STMs")
	}
	if stmt {
		c.sendSTAT("STMt")
	}
	if stml {
		c.sendSTAT("STMl")
	}
	if stmd {
		c.sendSTAT("STMd")
	}
	if stmu {
		c.sendSTAT("STMu")
	}
	if stmo {
		c.sendSTAT("STMo")
	}
	if stmn {
		c.sendSTAT("STMn")
	}
	if respHdr != nil {
		c.sendRESP(respHdr)
	}
	if metaBlob != nil {
		c.sendMETA(metaBlob)
	}

	c.icyRefresh(now, ot, rd)
}

// icyRefresh periodically re-pushes track metadata into the output's ICY
// side while playback is running.
func (c *Controller) icyRefresh(now time.Time, ot player.OutputSnapshot, rd player.RenderSnapshot) {
	if !c.cfg.SendICY || ot.State != player.OutputRunning {
		return
	}
	if now.Sub(c.lastICY) < icyUpdateTime {
		return
	}
	c.lastICY = now

	offset := 0
	if rd.Index >= 0 {
		offset = ot.Index - rd.Index
	}
	m, err := c.collab.Meta.Metadata(offset)
	if err != nil {
		c.log.Debug("metadata refresh failed", "error", err)
		return
	}
	c.collab.Output.SetICY(m, false)
}

func (c *Controller) sendDSCO(code byte) {
	if c.conn == nil {
		return
	}
	if err := sendFrame(c.conn, "DSCO", encodeDSCO(code)); err != nil {
		c.log.Warn("DSCO dropped", "error", err)
	}
}

func (c *Controller) sendRESP(header []byte) {
	if c.conn == nil {
		return
	}
	if err := sendFrame(c.conn, "RESP", header); err != nil {
		c.log.Warn("RESP dropped", "error", err)
	}
}

func (c *Controller) sendMETA(meta []byte) {
	if c.conn == nil {
		return
	}
	if err := sendFrame(c.conn, "META", meta); err != nil {
		c.log.Warn("META dropped", "error", err)
	}
}
