// SPDX-License-Identifier: MIT

package slimproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/slimbridge-go/internal/player"
)

// recordConn is a net.Conn that records everything written to it so tests
// can decode the frames a handler emitted. Reads report EOF.
type recordConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordConn) Read(p []byte) (int, error)         { return 0, io.EOF }
func (c *recordConn) Close() error                       { return nil }
func (c *recordConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

// sentMessage is one decoded outbound frame.
type sentMessage struct {
	Opcode string
	Body   []byte
}

// Event returns the STAT event code, or the opcode itself for non-STAT
// messages.
func (m sentMessage) Event() string {
	if m.Opcode == "STAT" && len(m.Body) >= 4 {
		return string(m.Body[:4])
	}
	return m.Opcode
}

// drain decodes and clears all frames recorded so far.
func (c *recordConn) drain(t *testing.T) []sentMessage {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	c.mu.Unlock()

	var out []sentMessage
	for len(data) > 0 {
		if len(data) < 8 {
			t.Fatalf("truncated outbound frame: % x", data)
		}
		op := string(data[:4])
		n := int(binary.BigEndian.Uint32(data[4:8]))
		if len(data) < 8+n {
			t.Fatalf("outbound frame %s: length %d exceeds buffer %d", op, n, len(data)-8)
		}
		out = append(out, sentMessage{Opcode: op, Body: append([]byte(nil), data[8:8+n]...)})
		data = data[8+n:]
	}
	return out
}

// events extracts just the event codes, in emission order.
func events(msgs []sentMessage) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Event())
	}
	return out
}

// connectCall records one Streamer.Connect invocation.
type connectCall struct {
	IP              net.IP
	Port            uint16
	Header          []byte
	Threshold       int
	ContinueOnError bool
}

// openCall records one Decoder.Open invocation.
type openCall struct {
	Codec      byte
	SampleSize int
	SampleRate int
	Channels   int
	BigEndian  bool
}

// recCollab is a recording collaborator set.
type recCollab struct {
	mu sync.Mutex

	connects      []connectCall
	connectErr    error
	disconnects   int
	disconnectRet bool // Disconnect() return value

	opens   []openCall
	openErr error
	flushes int

	outStarts  int
	startErr   error
	icyPushes  int

	meta    *player.Metadata
	metaErr error

	events []player.Event
}

func (r *recCollab) Connect(ip net.IP, port uint16, header []byte, threshold int, continueOnError bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, connectCall{
		IP:              ip,
		Port:            port,
		Header:          append([]byte(nil), header...),
		Threshold:       threshold,
		ContinueOnError: continueOnError,
	})
	return r.connectErr
}

func (r *recCollab) Disconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
	return r.disconnectRet
}

func (r *recCollab) Open(codec byte, sampleSize, sampleRate, channels int, bigEndian bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens = append(r.opens, openCall{codec, sampleSize, sampleRate, channels, bigEndian})
	return r.openErr
}

func (r *recCollab) Flush() {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
}

func (r *recCollab) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outStarts++
	return r.startErr
}

func (r *recCollab) SetICY(m *player.Metadata, force bool) {
	r.mu.Lock()
	r.icyPushes++
	r.mu.Unlock()
}

func (r *recCollab) Metadata(offset int) (*player.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metaErr != nil {
		return nil, r.metaErr
	}
	if r.meta != nil {
		return r.meta, nil
	}
	return &player.Metadata{Title: "Test Track"}, nil
}

func (r *recCollab) OnEvent(ev player.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recCollab) actions() []player.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []player.Action
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

func (r *recCollab) countAction(a player.Action) int {
	n := 0
	for _, got := range r.actions() {
		if got == a {
			n++
		}
	}
	return n
}

// newTestController builds a controller wired to a recording collaborator
// set and a recording connection.
func newTestController(t *testing.T, mods ...func(*Config)) (*Controller, *recCollab, *recordConn) {
	t.Helper()
	cfg := Config{
		Name:         "test",
		MAC:          [6]byte{0x02, 0x00, 0x00, 0xaa, 0xbb, 0xcc},
		ServerAddr:   "192.168.1.5",
		Mode:         "flc",
		SampleRate:   192000,
		StreamLength: -3,
		BridgeHost:   "192.168.1.10",
		BridgePort:   8080,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	rec := &recCollab{}
	collab := player.Collaborators{
		Streamer: rec, Decoder: rec, Output: rec, Meta: rec, Bridge: rec,
	}
	c, err := New(cfg, collab, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	conn := &recordConn{}
	c.conn = conn
	c.server = ServerInfo{IP: net.IPv4(192, 168, 1, 5).To4(), Port: 3483, CLIPort: 9090}
	return c, rec, conn
}

// strmBody builds the body of a strm frame.
func strmBody(cmd, autostart, format, size, rate, ch, endian, threshold byte, replay uint32, port uint16, ip net.IP, header []byte) []byte {
	b := make([]byte, 0, strmFixedLen+len(header))
	b = append(b, cmd, autostart, format, size, rate, ch, endian, threshold,
		0, 0, 0, 0, 0, 0)
	b = binary.BigEndian.AppendUint32(b, replay)
	b = binary.BigEndian.AppendUint16(b, port)
	v4 := ip.To4()
	if v4 == nil {
		v4 = net.IPv4zero.To4()
	}
	b = append(b, v4...)
	return append(b, header...)
}

// writeTestFrame writes an inbound frame (server to player) to w.
func writeTestFrame(t *testing.T, w io.Writer, opcode string, body []byte) {
	t.Helper()
	frame := make([]byte, 0, 2+4+len(body))
	frame = binary.BigEndian.AppendUint16(frame, uint16(4+len(body)))
	frame = append(frame, opcode...)
	frame = append(frame, body...)
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write frame %s: %v", opcode, err)
	}
}

// readTestMessage reads one outbound message (player to server) from r.
func readTestMessage(t *testing.T, r io.Reader) sentMessage {
	t.Helper()
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		t.Fatalf("read message header: %v", err)
	}
	n := int(binary.BigEndian.Uint32(hdr[4:8]))
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read message body: %v", err)
	}
	return sentMessage{Opcode: string(hdr[:4]), Body: body}
}
