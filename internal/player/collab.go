// SPDX-License-Identifier: MIT

package player

import (
	"log/slog"
	"net"
)

// Metadata describes one track as known to the server.
type Metadata struct {
	Title    string
	Artist   string
	Album    string
	Genre    string
	Artwork  string
	Index    int
	Duration uint32 // ms, 0 when unknown
	FileSize int64
	Remote   bool
}

// Streamer is the HTTP/ICY stream reader collaborator.
type Streamer interface {
	// Connect opens the HTTP stream to ip:port, replaying the request header
	// supplied by the server. threshold is the byte count to buffer before
	// the stream is considered delivering. When continueOnError is set a
	// connect failure parks the stream in wait state instead of failing.
	Connect(ip net.IP, port uint16, header []byte, threshold int, continueOnError bool) error

	// Disconnect closes the stream if open. Idempotent; reports whether it
	// actually closed something.
	Disconnect() bool
}

// Decoder is the codec collaborator.
type Decoder interface {
	// Open prepares a decoder for the given source parameters.
	Open(codec byte, sampleSize, sampleRate, channels int, bigEndian bool) error
	Flush()
}

// Output is the output renderer collaborator.
type Output interface {
	Start() error
	Flush()
	// SetICY pushes track metadata into the ICY side of the output stream.
	SetICY(m *Metadata, force bool)
}

// MetadataSource resolves track metadata, offset tracks ahead of whatever is
// currently rendering.
type MetadataSource interface {
	Metadata(offset int) (*Metadata, error)
}

// Collaborators bundles everything the controller calls out to.
type Collaborators struct {
	Streamer Streamer
	Decoder  Decoder
	Output   Output
	Meta     MetadataSource
	Bridge   Bridge
}

// Discard returns a collaborator set whose calls all succeed; stream connect
// and disconnect, codec open and bridge events are logged at debug level. It
// lets the daemon register with a real server and exercise the whole control
// channel without an actual decoder chain.
func Discard(log *slog.Logger) Collaborators {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &discard{log: log}
	return Collaborators{Streamer: d, Decoder: d, Output: d, Meta: d, Bridge: d}
}

type discard struct {
	log *slog.Logger
}

func (d *discard) Connect(ip net.IP, port uint16, header []byte, threshold int, continueOnError bool) error {
	d.log.Debug("stream connect", "ip", ip, "port", port, "header_len", len(header), "threshold", threshold)
	return nil
}

func (d *discard) Disconnect() bool {
	d.log.Debug("stream disconnect")
	return false
}

func (d *discard) Open(codec byte, sampleSize, sampleRate, channels int, bigEndian bool) error {
	d.log.Debug("codec open", "codec", string(rune(codec)), "size", sampleSize, "rate", sampleRate, "channels", channels)
	return nil
}

func (d *discard) Flush() {}

func (d *discard) Start() error { return nil }

func (d *discard) SetICY(m *Metadata, force bool) {}

func (d *discard) Metadata(offset int) (*Metadata, error) {
	return &Metadata{Title: "Stream"}, nil
}

func (d *discard) OnEvent(ev Event) {
	d.log.Debug("bridge event", "action", ev.Action)
}
