// SPDX-License-Identifier: MIT

// Package player holds the player-side state shared between the SlimProto
// controller and its collaborators (stream reader, decoder, output renderer).
//
// Each sub-domain (stream, decode, output, render) is a small runtime struct
// guarded by its own mutex. The controller's status ticker samples each
// runtime into an immutable snapshot under the lock and makes all emission
// decisions on the snapshots, so no lock is ever held across a network send.
package player

import (
	"fmt"
	"sync"
)

// StreamState is the state of the HTTP/ICY stream reader.
// Owned by the stream reader; the controller only reads it, except for the
// WAIT -> BUFFERING promotion on a cont opcode, the DISCONNECT -> STOPPED
// transition after a DSCO has been reported, and the move to STOPPED when it
// flushes the stream or disconnects it at the end of a track.
type StreamState int

const (
	StreamStopped StreamState = iota
	StreamWait                // connected, holding until the server says go
	StreamBuffering           // filling the stream buffer up to threshold
	StreamHTTP                // steady-state network delivery
	StreamFile                // local file delivery
	StreamDisconnect          // source went away; DisconnectCode says why
)

func (s StreamState) String() string {
	switch s {
	case StreamStopped:
		return "stopped"
	case StreamWait:
		return "wait"
	case StreamBuffering:
		return "buffering"
	case StreamHTTP:
		return "http"
	case StreamFile:
		return "file"
	case StreamDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Delivering reports whether the stream is past connection setup and bytes
// can be expected to arrive.
func (s StreamState) Delivering() bool {
	return s == StreamBuffering || s == StreamHTTP || s == StreamFile
}

// DisconnectCode is the reason carried in a DSCO status message.
type DisconnectCode byte

const (
	DisconnectDone        DisconnectCode = 0 // remote end closed normally
	DisconnectLocal       DisconnectCode = 1 // we closed it
	DisconnectReset       DisconnectCode = 2 // connection reset by peer
	DisconnectUnreachable DisconnectCode = 3 // connect failed
	DisconnectTimeout     DisconnectCode = 4 // data stopped arriving
)

// DecodeState is the decoder lifecycle.
type DecodeState int

const (
	DecodeStopped DecodeState = iota
	DecodeReady                // codec open, waiting for the go-ahead
	DecodeRunning
	DecodeComplete // consumed the whole stream
	DecodeError
)

func (s DecodeState) String() string {
	switch s {
	case DecodeStopped:
		return "stopped"
	case DecodeReady:
		return "ready"
	case DecodeRunning:
		return "running"
	case DecodeComplete:
		return "complete"
	case DecodeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// OutputState is the output renderer lifecycle.
type OutputState int

const (
	OutputStopped OutputState = iota
	OutputWaiting             // paused
	OutputRunning
)

func (s OutputState) String() string {
	switch s {
	case OutputStopped:
		return "stopped"
	case OutputWaiting:
		return "waiting"
	case OutputRunning:
		return "running"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// RenderState is the remote renderer's playback progress as reported back
// through the bridge.
type RenderState int

const (
	RenderStopped RenderState = iota
	RenderBuffering
	RenderPlaying
	RenderPaused
)

func (s RenderState) String() string {
	switch s {
	case RenderStopped:
		return "stopped"
	case RenderBuffering:
		return "buffering"
	case RenderPlaying:
		return "playing"
	case RenderPaused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// StreamRuntime is the stream reader's shared state.
type StreamRuntime struct {
	mu sync.Mutex

	State          StreamState
	DisconnectCode DisconnectCode

	// Header is the HTTP response header captured by the stream reader,
	// reported to the server once via RESP.
	Header     []byte
	HeaderSent bool

	// ICY metadata plumbing. MetaInterval is the negotiated icy-metaint;
	// MetaData/MetaSend carry a pending META push to the server.
	MetaInterval uint32
	MetaData     []byte
	MetaSend     bool

	// BytesRecv counts bytes received for the current stream; it resets on
	// every stream start. BytesTotal is cumulative across the life of the
	// player and is what STAT and HELO report.
	BytesRecv  uint64
	BytesTotal uint64

	Threshold int
}

// StreamSnapshot is an immutable view of StreamRuntime.
type StreamSnapshot struct {
	State          StreamState
	DisconnectCode DisconnectCode
	HeaderPending  bool
	MetaPending    bool
	BytesRecv      uint64
	BytesTotal     uint64
}

// Snapshot samples the runtime under its lock.
func (r *StreamRuntime) Snapshot() StreamSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return StreamSnapshot{
		State:          r.State,
		DisconnectCode: r.DisconnectCode,
		HeaderPending:  len(r.Header) > 0 && !r.HeaderSent,
		MetaPending:    r.MetaSend,
		BytesRecv:      r.BytesRecv,
		BytesTotal:     r.BytesTotal,
	}
}

// Lock exposes the runtime mutex for compound transitions made by the
// controller or the stream reader.
func (r *StreamRuntime) Lock()   { r.mu.Lock() }
func (r *StreamRuntime) Unlock() { r.mu.Unlock() }

// TakeHeader returns the unsent response header and marks it sent.
// Returns nil if there is nothing pending.
func (r *StreamRuntime) TakeHeader() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.HeaderSent || len(r.Header) == 0 {
		return nil
	}
	r.HeaderSent = true
	out := make([]byte, len(r.Header))
	copy(out, r.Header)
	return out
}

// TakeMetadata returns a pending ICY metadata push and clears it.
func (r *StreamRuntime) TakeMetadata() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.MetaSend {
		return nil
	}
	r.MetaSend = false
	out := make([]byte, len(r.MetaData))
	copy(out, r.MetaData)
	return out
}

// SetState transitions the stream state.
func (r *StreamRuntime) SetState(s StreamState) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

// DecodeRuntime is the decoder's shared state.
type DecodeRuntime struct {
	mu    sync.Mutex
	State DecodeState
}

// DecodeSnapshot is an immutable view of DecodeRuntime.
type DecodeSnapshot struct {
	State DecodeState
}

func (r *DecodeRuntime) Snapshot() DecodeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return DecodeSnapshot{State: r.State}
}

func (r *DecodeRuntime) SetState(s DecodeState) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

// CompareAndSetState transitions from want to next; returns false if the
// current state was not want.
func (r *DecodeRuntime) CompareAndSetState(want, next DecodeState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State != want {
		return false
	}
	r.State = next
	return true
}

// OutputRuntime is the output renderer's shared state.
type OutputRuntime struct {
	mu sync.Mutex

	State   OutputState
	StartAt uint32 // jiffies timestamp for a deferred unpause

	// TrackStarted is set once by the output side when the first sample of a
	// new track has been consumed; the ticker turns it into STMs.
	TrackStarted bool
	// Completed is set when the output has drained everything it will get.
	Completed bool

	// Track identity and progress.
	Index    int // incremented by the format negotiator for every track with a known codec
	Remote   bool
	Duration uint32 // ms, 0 when unknown
	MSPlayed uint32

	// Flow mode concatenates tracks into one continuous output stream.
	Flow bool

	// Negotiated output parameters.
	SampleRate int
	SampleSize int
	Channels   int
}

// OutputSnapshot is an immutable view of OutputRuntime.
type OutputSnapshot struct {
	State        OutputState
	TrackStarted bool
	Completed    bool
	Index        int
	Remote       bool
	Duration     uint32
	MSPlayed     uint32
	Flow         bool
}

func (r *OutputRuntime) Snapshot() OutputSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return OutputSnapshot{
		State:        r.State,
		TrackStarted: r.TrackStarted,
		Completed:    r.Completed,
		Index:        r.Index,
		Remote:       r.Remote,
		Duration:     r.Duration,
		MSPlayed:     r.MSPlayed,
		Flow:         r.Flow,
	}
}

func (r *OutputRuntime) Lock()   { r.mu.Lock() }
func (r *OutputRuntime) Unlock() { r.mu.Unlock() }

// SetState transitions the output state.
func (r *OutputRuntime) SetState(s OutputState) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

// ClearTrackStarted consumes the track-started edge. Returns true if it was
// set.
func (r *OutputRuntime) ClearTrackStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.TrackStarted
	r.TrackStarted = false
	return was
}

// RenderRuntime is the remote renderer's reported progress.
type RenderRuntime struct {
	mu sync.Mutex

	State    RenderState
	Index    int // index of the track currently rendering, -1 before any
	MSPlayed uint32
	Duration uint32
}

// RenderSnapshot is an immutable view of RenderRuntime.
type RenderSnapshot struct {
	State    RenderState
	Index    int
	MSPlayed uint32
	Duration uint32
}

func (r *RenderRuntime) Snapshot() RenderSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RenderSnapshot{State: r.State, Index: r.Index, MSPlayed: r.MSPlayed, Duration: r.Duration}
}

func (r *RenderRuntime) SetState(s RenderState) {
	r.mu.Lock()
	r.State = s
	r.mu.Unlock()
}

// SetProgress records the renderer's reported position.
func (r *RenderRuntime) SetProgress(index int, msPlayed, duration uint32) {
	r.mu.Lock()
	r.Index = index
	r.MSPlayed = msPlayed
	r.Duration = duration
	r.mu.Unlock()
}
