// SPDX-License-Identifier: MIT

package slimproto

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tomtom215/slimbridge-go/internal/mime"
	"github.com/tomtom215/slimbridge-go/internal/player"
)

// serverTimeout is how long the control channel may stay silent before the
// connection is declared dead. A var so tests can shrink it.
var serverTimeout = 35 * time.Second

const (
	connectTimeout    = 5 * time.Second
	reconnectDelay    = 5 * time.Second  // initial reconnect delay, doubled per failure
	maxReconnectDelay = 60 * time.Second // reconnect delay cap
	sessionHealthyAge = 5 * time.Minute  // session lifetime that resets the backoff
	rediscoverAfter   = 5 // consecutive failed or short-lived sessions before re-running discovery
	tickInterval      = 100 * time.Millisecond
	statInterval      = time.Second // STMt cadence while decoding
	icyUpdateTime     = 5 * time.Second
	cliIdleTimeout    = 10 * time.Second
	streamDelayMS     = 3000 // remote STMd gate: hold until this close to track end
	nameMax           = 256
	maxHeader         = maxFrame
)

// errServerSwitch unwinds the session loop when a serv opcode redirected us.
var errServerSwitch = errors.New("slimproto: server switch")

// Config is the per-player configuration the controller runs with.
type Config struct {
	Name       string
	MAC        [6]byte
	ServerAddr string // explicit address, or "?" / "" for auto-discovery
	Mode       string // pcm|flc|mp3|thru [flow] [r:..] [s:..] [flac:..] [mp3:..]
	SampleRate int    // max rate cap
	Codecs     string // comma-separated codec list advertised in HELO
	SendICY    bool
	RawAudio   mime.RawAudio
	L24Trunc   bool // truncate 24-bit sources to 16
	OutputBuf  int  // output buffer size in bytes
	StreamBuf  int  // stream buffer size in bytes

	// StreamLength is the content-length strategy the bridge advertises on
	// track URLs, forwarded verbatim on every published track.
	StreamLength int

	BridgeHost string
	BridgePort int
}

// Controller runs the SlimProto control channel for one virtual player. It
// implements suture.Service: Serve blocks until the context is cancelled.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	collab player.Collaborators

	streambuf *player.Buffer
	outputbuf *player.Buffer
	stream    *player.StreamRuntime
	decode    *player.DecodeRuntime
	output    *player.OutputRuntime
	render    *player.RenderRuntime

	// wake is the one-shot wake event; a buffered send that is dropped when
	// one is already pending.
	wake chan struct{}

	cli   cliConn
	epoch time.Time

	mu sync.Mutex // controller state below

	server     ServerInfo
	newServer  net.IP // non-nil requests migration
	varCap     string
	pendingCap string // var_cap to carry into the next HELO (serv sync group)
	reconnect  bool

	name        string
	on          bool
	lastCommand byte
	autostart   byte
	mode        modeSpec
	flowActive  bool

	// One-shot per-track latches, reset on every strm s.
	sentSTMs bool
	sentSTMl bool
	sentSTMd bool
	sentSTMu bool
	sentSTMo bool
	canSTMdu bool

	serverTimestamp uint32
	lastSTMt        time.Time
	lastICY         time.Time

	conn net.Conn // control socket; touched only by the controller goroutine
}

// New creates a controller for one player. The collaborator set must be
// fully populated; use player.Discard for a control-channel-only player.
func New(cfg Config, collab player.Collaborators, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	mode, err := parseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	if cfg.OutputBuf <= 0 {
		cfg.OutputBuf = 4 * 1024 * 1024
	}
	if cfg.StreamBuf <= 0 {
		cfg.StreamBuf = 2 * 1024 * 1024
	}
	if cfg.Codecs == "" {
		cfg.Codecs = "flc,pcm,mp3,aac"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	c := &Controller{
		cfg:       cfg,
		log:       log.With("player", cfg.Name, "mac", net.HardwareAddr(cfg.MAC[:]).String()),
		collab:    collab,
		streambuf: player.NewBuffer(cfg.StreamBuf),
		outputbuf: player.NewBuffer(cfg.OutputBuf),
		stream:    &player.StreamRuntime{},
		decode:    &player.DecodeRuntime{},
		output:    &player.OutputRuntime{},
		render:    &player.RenderRuntime{Index: -1},
		wake:      make(chan struct{}, 1),
		epoch:     time.Now(),
		name:      cfg.Name,
		mode:      mode,
	}
	return c, nil
}

// Name identifies the service in the supervision tree.
func (c *Controller) Name() string { return "slimproto/" + c.cfg.Name }

// String implements fmt.Stringer for suture's event log.
func (c *Controller) String() string { return c.Name() }

// Wake marks a wake event pending. Safe from any goroutine; coalesces when a
// wake is already pending. The receive loop consumes it on its next pass;
// it does not shorten the loop's read window, so the status ticker still
// runs at the next frame or tick interval.
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Runtime accessors for collaborators and tests.
func (c *Controller) Stream() *player.StreamRuntime { return c.stream }
func (c *Controller) Decode() *player.DecodeRuntime { return c.decode }
func (c *Controller) Output() *player.OutputRuntime { return c.output }
func (c *Controller) Render() *player.RenderRuntime { return c.render }
func (c *Controller) StreamBuf() *player.Buffer     { return c.streambuf }
func (c *Controller) OutputBuf() *player.Buffer     { return c.outputbuf }

// Server returns the current server binding.
func (c *Controller) Server() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// CLI sends one command line on the server's CLI subchannel and returns the
// reply line. The connection is opened lazily and closed by the status
// ticker after it has been idle for a while.
func (c *Controller) CLI(cmd string) (string, error) {
	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv.IP == nil {
		return "", errors.New("slimproto: no server")
	}
	addr := net.JoinHostPort(srv.IP.String(), fmt.Sprint(srv.CLIPort))
	return c.cli.Request(addr, cmd)
}

// Serve runs discovery, connection and the receive/status loop until ctx is
// cancelled. Connect failures back off and eventually re-run discovery when
// the server was auto-discovered.
func (c *Controller) Serve(ctx context.Context) error {
	defer c.cli.Close()

	info, err := discover(ctx, c.log, c.cfg.ServerAddr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.server = *info
	c.mu.Unlock()

	bo := newBackoff(reconnectDelay, maxReconnectDelay, sessionHealthyAge)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := c.runSession(ctx)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, errServerSwitch):
			c.migrate(ctx)
			bo.Reset()
			continue
		case err != nil:
			// A session that stayed up for a long time and then died is a
			// healthy server going away, not a connect storm; let the policy
			// sort the two apart.
			bo.RecordSession(time.Since(started))
			c.log.Warn("control channel down",
				"error", err, "failures", bo.ConsecutiveFailures(), "retry_in", bo.Delay())
		default:
			bo.RecordSession(time.Since(started))
		}

		c.mu.Lock()
		c.reconnect = true
		auto := c.cfg.ServerAddr == "" || c.cfg.ServerAddr == "?"
		c.mu.Unlock()

		if bo.ConsecutiveFailures() >= rediscoverAfter && auto {
			info, derr := discover(ctx, c.log, "")
			if derr != nil {
				return derr
			}
			c.mu.Lock()
			c.server = *info
			c.mu.Unlock()
			bo.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Delay()):
		}
	}
}

// migrate rebinds to the server a serv opcode pointed us at. The control
// port is kept; ports are refreshed by a unicast probe when the new server
// answers one.
func (c *Controller) migrate(ctx context.Context) {
	c.mu.Lock()
	target := c.newServer
	c.newServer = nil
	c.reconnect = false
	c.mu.Unlock()
	if target == nil {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout+time.Second)
	info, err := discover(dctx, c.log, target.String())
	cancel()
	if err != nil {
		c.mu.Lock()
		c.server.IP = target
		c.mu.Unlock()
		c.log.Warn("server switch without discovery reply", "server", target)
		return
	}
	c.mu.Lock()
	c.server = *info
	c.mu.Unlock()
}

// runSession dials the control channel, sends HELO and pumps frames until
// the connection dies, the server redirects us, or ctx is cancelled.
func (c *Controller) runSession(ctx context.Context) error {
	c.mu.Lock()
	addr := c.server.Addr()
	c.mu.Unlock()

	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	c.conn = conn
	defer func() { c.conn = nil }()

	// var_cap starts clean on every connection; a pending sync group id from
	// a serv becomes the new variable capability.
	c.mu.Lock()
	c.varCap = c.pendingCap
	c.pendingCap = ""
	c.mu.Unlock()

	if err := c.sendHELO(); err != nil {
		return err
	}
	c.log.Info("connected", "server", addr)

	fr := framer{conn: conn}
	lastFrame := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		switching := c.newServer != nil
		c.mu.Unlock()
		if switching {
			return errServerSwitch
		}

		frame, err := fr.poll(tickInterval)
		now := time.Now()
		switch {
		case err != nil:
			return err
		case frame != nil:
			lastFrame = now
			c.dispatch(frame)
		}
		if now.Sub(lastFrame) > serverTimeout {
			return ErrServerTimeout
		}

		select {
		case <-c.wake:
		default:
		}
		c.statusTick(now)
	}
}

// sendHELO announces the player. The capability string is base + fixed +
// variable, the fixed part advertising the rate cap and codec list.
func (c *Controller) sendHELO() error {
	c.mu.Lock()
	wlan := uint16(0)
	if c.reconnect {
		wlan = 0x4000
	}
	caps := baseCap +
		fmt.Sprintf(",MaxSampleRate=%d,%s", c.cfg.SampleRate, c.cfg.Codecs) +
		c.varCap
	c.mu.Unlock()

	c.stream.Lock()
	total := c.stream.BytesTotal
	c.stream.Unlock()

	h := heloPacket{
		DeviceID:      12, // SqueezePlay
		Revision:      0,
		MAC:           c.cfg.MAC,
		WLANChannels:  wlan,
		BytesReceived: total,
		Language:      [2]byte{'e', 'n'},
		Capabilities:  caps,
	}
	return sendFrame(c.conn, "HELO", h.encode())
}

// framer is the two-phase framed reader: 2-byte big-endian length, then the
// payload. Progress survives deadline expiry so short read windows can be
// interleaved with status ticks.
type framer struct {
	conn   net.Conn
	lenbuf [2]byte
	lenGot int
	body   []byte
	got    int
}

// poll advances the read by at most wait. Returns a complete frame, or
// (nil, nil) when the window expired, or a fatal error.
func (f *framer) poll(wait time.Duration) ([]byte, error) {
	_ = f.conn.SetReadDeadline(time.Now().Add(wait))

	for f.lenGot < 2 {
		n, err := f.conn.Read(f.lenbuf[f.lenGot:2])
		f.lenGot += n
		if err != nil {
			return nil, classifyRead(err)
		}
	}
	if f.body == nil {
		expect := int(binary.BigEndian.Uint16(f.lenbuf[:]))
		if expect > maxFrame {
			return nil, ErrOversizeFrame
		}
		f.body = make([]byte, expect)
		f.got = 0
	}
	for f.got < len(f.body) {
		n, err := f.conn.Read(f.body[f.got:])
		f.got += n
		if err != nil {
			return nil, classifyRead(err)
		}
	}

	frame := f.body
	f.lenGot = 0
	f.body = nil
	f.got = 0
	return frame, nil
}

// classifyRead maps deadline expiry to "no frame yet" and everything else to
// a fatal error.
func classifyRead(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("slimproto: server closed connection: %w", err)
	}
	return fmt.Errorf("slimproto: read: %w", err)
}

// opcodeTable maps inbound opcodes to handlers, in dispatch order.
var opcodeTable = []struct {
	name string
	fn   func(*Controller, []byte)
}{
	{"strm", (*Controller).processStrm},
	{"cont", (*Controller).processCont},
	{"codc", (*Controller).processCodc},
	{"aude", (*Controller).processAude},
	{"audg", (*Controller).processAudg},
	{"setd", (*Controller).processSetd},
	{"serv", (*Controller).processServ},
	{"ledc", (*Controller).processLedc},
	{"vers", (*Controller).processVers},
}

// dispatch routes one inbound frame by its 4-byte opcode.
func (c *Controller) dispatch(frame []byte) {
	if len(frame) < 4 {
		c.log.Warn("runt frame", "len", len(frame))
		return
	}
	op := string(frame[:4])
	for _, e := range opcodeTable {
		if op == e.name {
			e.fn(c, frame[4:])
			return
		}
	}
	c.log.Warn("unknown opcode", "opcode", op)
}

// sendSTAT reports player status with the given 4-byte event code.
func (c *Controller) sendSTAT(event string) {
	c.stream.Lock()
	total := c.stream.BytesTotal
	c.stream.Unlock()

	ot := c.output.Snapshot()

	c.mu.Lock()
	ts := c.serverTimestamp
	c.mu.Unlock()

	p := statPacket{
		StreamBufSize:   uint32(c.streambuf.Size()),
		StreamBufFull:   uint32(c.streambuf.Used()),
		BytesReceived:   total,
		SignalStrength:  0xffff,
		Jiffies:         jiffies(c.epoch),
		OutputBufSize:   uint32(c.outputbuf.Size()),
		OutputBufFull:   uint32(c.outputbuf.Used()),
		ElapsedSeconds:  ot.MSPlayed / 1000,
		ElapsedMS:       ot.MSPlayed,
		ServerTimestamp: ts,
	}
	copy(p.Event[:], event)

	if c.conn == nil {
		return
	}
	if err := sendFrame(c.conn, "STAT", p.encode()); err != nil {
		c.log.Warn("STAT dropped", "event", event, "error", err)
		return
	}
	c.log.Debug("STAT", "event", event)
}
