// SPDX-License-Identifier: MIT

package slimproto

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tomtom215/slimbridge-go/internal/player"
)

// startTrack drives a strm s through the controller so the per-track
// latches are armed the way a real track start leaves them.
func startTrack(t *testing.T, c *Controller, conn *recordConn, autostart byte) {
	t.Helper()
	c.processStrm(strmBody('s', autostart, 'p', '1', '3', '1', '1', 10, 0, 9000,
		net.IPv4(10, 0, 0, 2), nil))
	conn.drain(t)
}

// End of a local track: the started report must come first, then the
// next-track request, then the underrun that closes the track out.
func TestTrackEndOrdering(t *testing.T) {
	c, _, conn := newTestController(t)
	startTrack(t, c, conn, '1')

	now := time.Now()

	// Output consumed the first sample.
	c.stream.Lock()
	c.stream.BytesRecv = 100000
	c.stream.Unlock()
	c.output.Lock()
	c.output.State = player.OutputRunning
	c.output.TrackStarted = true
	c.output.Unlock()
	c.statusTick(now)
	assert.Equal(t, []string{"STMs"}, events(conn.drain(t)))

	// Decoder finished the whole stream.
	c.decode.SetState(player.DecodeComplete)
	c.statusTick(now)
	assert.Equal(t, []string{"STMd"}, events(conn.drain(t)))
	assert.Equal(t, player.DecodeStopped, c.decode.Snapshot().State)

	// Output drained, stream closed, renderer quiet: graceful underrun.
	c.output.Lock()
	c.output.Completed = true
	c.output.Unlock()
	c.stream.SetState(player.StreamStopped)
	c.statusTick(now)
	assert.Equal(t, []string{"STMu"}, events(conn.drain(t)))
	assert.Equal(t, player.OutputStopped, c.output.Snapshot().State)

	// Nothing repeats on later ticks.
	c.statusTick(now)
	assert.Empty(t, conn.drain(t))
}

// Remote sources hold the next-track request until the track is nearly
// done, so the source's server is not left idling.
func TestRemoteSTMdGated(t *testing.T) {
	c, _, conn := newTestController(t)
	startTrack(t, c, conn, '1')

	now := time.Now()
	c.stream.Lock()
	c.stream.BytesRecv = 100000
	c.stream.Unlock()
	c.output.Lock()
	c.output.State = player.OutputRunning
	c.output.TrackStarted = true
	c.output.Remote = true
	c.output.Duration = 300000
	c.output.MSPlayed = 10000
	c.output.Unlock()
	c.decode.SetState(player.DecodeComplete)

	c.statusTick(now)
	assert.Equal(t, []string{"STMs"}, events(conn.drain(t)))

	// Far from the end: no STMd yet, tick after tick.
	c.statusTick(now)
	c.statusTick(now)
	assert.Empty(t, conn.drain(t))

	// Within the delay window: the request goes out.
	c.output.Lock()
	c.output.MSPlayed = 298000
	c.output.Unlock()
	c.statusTick(now)
	assert.Equal(t, []string{"STMd"}, events(conn.drain(t)))
}

// Flow mode bypasses the remote gate entirely.
func TestFlowSTMdNotGated(t *testing.T) {
	c, _, conn := newTestController(t)
	startTrack(t, c, conn, '1')

	now := time.Now()
	c.stream.Lock()
	c.stream.BytesRecv = 1
	c.stream.Unlock()
	c.output.Lock()
	c.output.State = player.OutputRunning
	c.output.TrackStarted = true
	c.output.Remote = true
	c.output.Duration = 300000
	c.output.MSPlayed = 0
	c.output.Flow = true
	c.output.Unlock()
	c.decode.SetState(player.DecodeComplete)

	c.statusTick(now)
	assert.Equal(t, []string{"STMs", "STMd"}, events(conn.drain(t)))
}

// A decoder error abandons the track with STMn.
func TestDecodeErrorSendsSTMn(t *testing.T) {
	c, rec, conn := newTestController(t)
	startTrack(t, c, conn, '1')
	rec.mu.Lock()
	rec.disconnectRet = true
	rec.mu.Unlock()

	c.decode.SetState(player.DecodeError)
	c.statusTick(time.Now())

	assert.Equal(t, []string{"STMn"}, events(conn.drain(t)))
	assert.Equal(t, player.DecodeStopped, c.decode.Snapshot().State)
	assert.Equal(t, player.StreamStopped, c.stream.Snapshot().State)
}

// The source never delivered a byte but the output ran dry: report the
// failure and unblock the track machine for the next start.
func TestStreamNeverDelivered(t *testing.T) {
	c, _, conn := newTestController(t)
	startTrack(t, c, conn, '1')

	c.render.SetState(player.RenderPlaying)
	c.output.Lock()
	c.output.State = player.OutputRunning
	c.output.Completed = true
	c.output.Unlock()

	c.statusTick(time.Now())

	assert.Contains(t, events(conn.drain(t)), "STMn")
	assert.Equal(t, player.RenderStopped, c.render.Snapshot().State)
	assert.Equal(t, player.DecodeStopped, c.decode.Snapshot().State)
	c.mu.Lock()
	assert.True(t, c.canSTMdu)
	c.mu.Unlock()
}

// Renderer stopped while the HTTP stream still looks open: overrun.
func TestOverrun(t *testing.T) {
	c, _, conn := newTestController(t)
	startTrack(t, c, conn, '1')

	now := time.Now()
	c.stream.Lock()
	c.stream.BytesRecv = 5000
	c.stream.State = player.StreamHTTP
	c.stream.Unlock()
	c.output.Lock()
	c.output.State = player.OutputRunning
	c.output.TrackStarted = true
	c.output.Completed = true
	c.output.Unlock()

	c.statusTick(now)
	assert.Equal(t, []string{"STMs", "STMo"}, events(conn.drain(t)))

	c.statusTick(now)
	assert.Empty(t, conn.drain(t))
}

// Stream disconnect is reported once via DSCO and the stream parked.
func TestDSCO(t *testing.T) {
	c, _, conn := newTestController(t)

	c.stream.Lock()
	c.stream.State = player.StreamDisconnect
	c.stream.DisconnectCode = player.DisconnectTimeout
	c.stream.Unlock()

	c.statusTick(time.Now())

	msgs := conn.drain(t)
	require.Equal(t, []string{"DSCO"}, events(msgs))
	assert.Equal(t, []byte{byte(player.DisconnectTimeout)}, msgs[0].Body)
	assert.Equal(t, player.StreamStopped, c.stream.Snapshot().State)

	c.statusTick(time.Now())
	assert.Empty(t, conn.drain(t))
}

// The captured HTTP response header goes to the server exactly once.
func TestRESP(t *testing.T) {
	c, _, conn := newTestController(t)

	hdr := []byte("HTTP/1.0 200 OK\r\nContent-Type: audio/mpeg\r\n\r\n")
	c.stream.Lock()
	c.stream.State = player.StreamHTTP
	c.stream.Header = hdr
	c.stream.Unlock()

	c.statusTick(time.Now())
	msgs := conn.drain(t)
	require.Equal(t, []string{"RESP"}, events(msgs))
	assert.Equal(t, hdr, msgs[0].Body)

	c.statusTick(time.Now())
	assert.Empty(t, conn.drain(t))
}

// Pending ICY metadata is pushed via META and cleared.
func TestMETA(t *testing.T) {
	c, _, conn := newTestController(t)

	c.stream.Lock()
	c.stream.MetaData = []byte("StreamTitle='x';")
	c.stream.MetaSend = true
	c.stream.Unlock()

	c.statusTick(time.Now())
	msgs := conn.drain(t)
	require.Equal(t, []string{"META"}, events(msgs))
	assert.Equal(t, []byte("StreamTitle='x';"), msgs[0].Body)

	c.statusTick(time.Now())
	assert.Empty(t, conn.drain(t))
}

// autostart 0: the server waits for a loaded report before releasing
// playback.
func TestLoadedAutostart0(t *testing.T) {
	c, rec, conn := newTestController(t)
	startTrack(t, c, conn, '0')

	c.decode.SetState(player.DecodeReady)
	c.stream.SetState(player.StreamHTTP)
	c.statusTick(time.Now())

	assert.Equal(t, []string{"STMl"}, events(conn.drain(t)))
	assert.Equal(t, player.DecodeRunning, c.decode.Snapshot().State)
	assert.Equal(t, 1, rec.countAction(player.ActionPlay))
}

// autostart 1: the server will not wait; start everything, report nothing.
func TestLoadedAutostart1(t *testing.T) {
	c, rec, conn := newTestController(t)
	startTrack(t, c, conn, '1')

	c.decode.SetState(player.DecodeReady)
	c.stream.SetState(player.StreamHTTP)
	c.statusTick(time.Now())

	assert.Empty(t, conn.drain(t))
	assert.Equal(t, player.DecodeRunning, c.decode.Snapshot().State)
	assert.Equal(t, player.OutputRunning, c.output.Snapshot().State)
	assert.Equal(t, 1, rec.countAction(player.ActionPlay))
}

// autostart 2 holds everything until a cont arrives.
func TestLoadedAutostart2WaitsForCont(t *testing.T) {
	c, rec, conn := newTestController(t)
	startTrack(t, c, conn, '2')

	c.decode.SetState(player.DecodeReady)
	c.stream.SetState(player.StreamHTTP)
	c.statusTick(time.Now())

	assert.Empty(t, conn.drain(t))
	assert.Equal(t, player.DecodeReady, c.decode.Snapshot().State)
	assert.Zero(t, rec.countAction(player.ActionPlay))

	c.processCont([]byte{0, 0, 0, 0, 0})
	c.statusTick(time.Now())
	assert.Equal(t, player.DecodeRunning, c.decode.Snapshot().State)
	assert.Equal(t, 1, rec.countAction(player.ActionPlay))
}

// STMt ticks roughly once a second while decoding.
func TestSTMtCadence(t *testing.T) {
	c, _, conn := newTestController(t)
	c.decode.SetState(player.DecodeRunning)

	base := time.Now()
	c.statusTick(base)
	assert.Equal(t, []string{"STMt"}, events(conn.drain(t)))

	c.statusTick(base.Add(200 * time.Millisecond))
	assert.Empty(t, conn.drain(t))

	c.statusTick(base.Add(1100 * time.Millisecond))
	assert.Equal(t, []string{"STMt"}, events(conn.drain(t)))
}

// ICY refresh pushes metadata on its own cadence while output runs.
func TestICYRefresh(t *testing.T) {
	c, rec, _ := newTestController(t, func(cfg *Config) { cfg.SendICY = true })
	c.output.SetState(player.OutputRunning)

	base := time.Now()
	c.statusTick(base)
	rec.mu.Lock()
	first := rec.icyPushes
	rec.mu.Unlock()
	assert.Equal(t, 1, first)

	c.statusTick(base.Add(time.Second))
	c.statusTick(base.Add(icyUpdateTime + 2*time.Second))
	rec.mu.Lock()
	assert.Equal(t, 2, rec.icyPushes)
	rec.mu.Unlock()
}

// Property: across arbitrary interleavings of playback events, STMs is
// emitted at most once per track, and STMd/STMu/STMo never precede it.
func TestStatusOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c, _, conn := newTestController(t)
		startTrack(t, c, conn, '1')

		var emitted []string
		now := time.Now()

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 6).Draw(rt, "op") {
			case 0:
				c.output.Lock()
				c.output.State = player.OutputRunning
				c.output.TrackStarted = true
				c.output.Unlock()
				c.stream.Lock()
				if c.stream.BytesRecv == 0 {
					c.stream.BytesRecv = 1
				}
				c.stream.Unlock()
			case 1:
				c.decode.SetState(player.DecodeComplete)
			case 2:
				c.output.Lock()
				c.output.Completed = true
				c.output.Unlock()
			case 3:
				c.stream.SetState(player.StreamStopped)
			case 4:
				c.stream.SetState(player.StreamHTTP)
			case 5:
				c.stream.Lock()
				c.stream.BytesRecv++
				c.stream.Unlock()
			case 6:
				// plain tick
			}
			now = now.Add(50 * time.Millisecond)
			c.statusTick(now)
			emitted = append(emitted, events(conn.drain(t))...)
		}

		counts := map[string]int{}
		sawSTMs := false
		for _, ev := range emitted {
			counts[ev]++
			if ev == "STMs" {
				sawSTMs = true
			}
			if ev == "STMd" || ev == "STMu" || ev == "STMo" {
				if !sawSTMs {
					rt.Fatalf("%s before STMs in %v", ev, emitted)
				}
			}
		}
		if counts["STMs"] > 1 {
			rt.Fatalf("STMs emitted %d times in %v", counts["STMs"], emitted)
		}
		for _, ev := range []string{"STMd", "STMu", "STMo"} {
			if counts[ev] > 1 {
				rt.Fatalf("%s emitted %d times in %v", ev, counts[ev], emitted)
			}
		}
	})
}
