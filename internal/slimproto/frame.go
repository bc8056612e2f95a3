// SPDX-License-Identifier: MIT

// Package slimproto implements the SlimProto client controller: discovery of
// a Logitech Media Server, the persistent TCP control channel, the opcode
// dispatcher, the playback status machine, and the format negotiation that
// precedes stream connection.
//
// Frames on the control channel are length-prefixed binary structs. Inbound:
// a 2-byte big-endian length followed by that many bytes, the first 4 being
// an ASCII opcode. Outbound: a 4-byte ASCII opcode followed by a 4-byte
// big-endian length of everything after it. All numeric fields are network
// byte order except STAT's server timestamp, which is echoed back verbatim.
package slimproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// maxFrame is the largest control frame either side may send. Anything
// larger is treated as a corrupt channel.
const maxFrame = 4096

var (
	// ErrOversizeFrame is returned when the peer announces a frame larger
	// than maxFrame; the connection is unusable afterwards.
	ErrOversizeFrame = errors.New("slimproto: oversize frame")

	// ErrShortFrame is returned when a frame is too small for its opcode's
	// fixed struct.
	ErrShortFrame = errors.New("slimproto: short frame")

	// ErrServerTimeout is returned when the watchdog expires without any
	// traffic from the server.
	ErrServerTimeout = errors.New("slimproto: server timeout")
)

const (
	sendRetries    = 10
	sendRetryDelay = time.Millisecond
)

// sendFrame writes one outbound frame: opcode, 4-byte big-endian length,
// body. Transient would-block errors are retried up to sendRetries times.
func sendFrame(conn net.Conn, opcode string, body []byte) error {
	if len(opcode) != 4 {
		return fmt.Errorf("slimproto: bad opcode %q", opcode)
	}
	frame := make([]byte, 0, 8+len(body))
	frame = append(frame, opcode...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)

	for attempt := 0; ; attempt++ {
		n, err := conn.Write(frame)
		if err == nil {
			return nil
		}
		frame = frame[n:]
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && attempt < sendRetries {
			time.Sleep(sendRetryDelay)
			continue
		}
		return fmt.Errorf("send %s: %w", opcode, err)
	}
}

// --- inbound packets -------------------------------------------------------

// strmPacket is the fixed part of a strm frame, followed by an optional HTTP
// request header.
type strmPacket struct {
	Command         byte
	Autostart       byte
	Format          byte
	PCMSampleSize   byte
	PCMSampleRate   byte
	PCMChannels     byte
	PCMEndianness   byte
	Threshold       byte // KB to buffer before autostart
	SpdifEnable     byte
	TransPeriod     byte
	TransType       byte
	Flags           byte
	OutputThreshold byte
	Slaves          byte
	ReplayGain      uint32 // doubles as interval/jiffies/timestamp per subcommand
	ServerPort      uint16
	ServerIP        net.IP
	Header          []byte
}

const strmFixedLen = 24

// parseStrm decodes the body of a strm frame (opcode stripped).
func parseStrm(b []byte) (*strmPacket, error) {
	if len(b) < strmFixedLen {
		return nil, fmt.Errorf("strm: %w: %d bytes", ErrShortFrame, len(b))
	}
	p := &strmPacket{
		Command:         b[0],
		Autostart:       b[1],
		Format:          b[2],
		PCMSampleSize:   b[3],
		PCMSampleRate:   b[4],
		PCMChannels:     b[5],
		PCMEndianness:   b[6],
		Threshold:       b[7],
		SpdifEnable:     b[8],
		TransPeriod:     b[9],
		TransType:       b[10],
		Flags:           b[11],
		OutputThreshold: b[12],
		Slaves:          b[13],
		ReplayGain:      binary.BigEndian.Uint32(b[14:18]),
		ServerPort:      binary.BigEndian.Uint16(b[18:20]),
		ServerIP:        net.IPv4(b[20], b[21], b[22], b[23]).To4(),
	}
	if len(b) > strmFixedLen {
		p.Header = b[strmFixedLen:]
	}
	return p, nil
}

// contPacket carries the ICY meta-interval and a loop count. The loop count
// is reserved and not acted on.
type contPacket struct {
	MetaInterval uint32
	Loop         byte
}

func parseCont(b []byte) (*contPacket, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("cont: %w: %d bytes", ErrShortFrame, len(b))
	}
	return &contPacket{
		MetaInterval: binary.BigEndian.Uint32(b[0:4]),
		Loop:         b[4],
	}, nil
}

// codcPacket is a standalone copy of strm's format fields, sent when the
// format was deferred (autostart 2/3 with format '?').
type codcPacket struct {
	Format        byte
	PCMSampleSize byte
	PCMSampleRate byte
	PCMChannels   byte
	PCMEndianness byte
}

func parseCodc(b []byte) (*codcPacket, error) {
	if len(b) < 5 {
		return nil, fmt.Errorf("codc: %w: %d bytes", ErrShortFrame, len(b))
	}
	return &codcPacket{
		Format:        b[0],
		PCMSampleSize: b[1],
		PCMSampleRate: b[2],
		PCMChannels:   b[3],
		PCMEndianness: b[4],
	}, nil
}

// audePacket enables or disables the outputs. The DAC byte is carried for
// wire compatibility; only SPDIF is acted on.
type audePacket struct {
	EnableSpdif byte
	EnableDAC   byte
}

func parseAude(b []byte) (*audePacket, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("aude: %w", ErrShortFrame)
	}
	p := &audePacket{EnableSpdif: b[0]}
	if len(b) > 1 {
		p.EnableDAC = b[1]
	}
	return p, nil
}

// audgPacket carries legacy and fixed-point gains. Only the legacy pair and
// the adjust flag are used.
type audgPacket struct {
	OldGainL uint32
	OldGainR uint32
	Adjust   byte
	Preamp   byte
	NewGainL uint32
	NewGainR uint32
}

func parseAudg(b []byte) (*audgPacket, error) {
	if len(b) < 10 {
		return nil, fmt.Errorf("audg: %w: %d bytes", ErrShortFrame, len(b))
	}
	p := &audgPacket{
		OldGainL: binary.BigEndian.Uint32(b[0:4]),
		OldGainR: binary.BigEndian.Uint32(b[4:8]),
		Adjust:   b[8],
		Preamp:   b[9],
	}
	if len(b) >= 18 {
		p.NewGainL = binary.BigEndian.Uint32(b[10:14])
		p.NewGainR = binary.BigEndian.Uint32(b[14:18])
	}
	return p, nil
}

// setdPacket is a settings get/set; id 0 is the player name.
type setdPacket struct {
	ID   byte
	Data []byte
}

func parseSetd(b []byte) (*setdPacket, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("setd: %w", ErrShortFrame)
	}
	return &setdPacket{ID: b[0], Data: b[1:]}, nil
}

// servPacket directs the player to another server, optionally carrying the
// 10-byte sync group id to re-announce there.
type servPacket struct {
	ServerIP    net.IP
	SyncGroupID []byte
}

func parseServ(b []byte) (*servPacket, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("serv: %w: %d bytes", ErrShortFrame, len(b))
	}
	p := &servPacket{ServerIP: net.IPv4(b[0], b[1], b[2], b[3]).To4()}
	if len(b) >= 14 {
		p.SyncGroupID = b[4:14]
	}
	return p, nil
}

// --- outbound packets ------------------------------------------------------

// baseCap is the capability prefix every HELO carries.
const baseCap = "Model=squeezelite,ModelName=SqueezeLite,AccuratePlayPoints=0,HasDigitalOut=1"

// heloPacket is the login message. Device id 12 identifies a SqueezePlay
// class player; the 0x4000 wlan bit tells the server this is a reconnect.
type heloPacket struct {
	DeviceID      byte
	Revision      byte
	MAC           [6]byte
	UUID          [16]byte
	WLANChannels  uint16
	BytesReceived uint64
	Language      [2]byte
	Capabilities  string
}

const heloFixedLen = 36

func (p *heloPacket) encode() []byte {
	b := make([]byte, 0, heloFixedLen+len(p.Capabilities))
	b = append(b, p.DeviceID, p.Revision)
	b = append(b, p.MAC[:]...)
	b = append(b, p.UUID[:]...)
	b = binary.BigEndian.AppendUint16(b, p.WLANChannels)
	b = binary.BigEndian.AppendUint32(b, uint32(p.BytesReceived>>32))
	b = binary.BigEndian.AppendUint32(b, uint32(p.BytesReceived))
	b = append(b, p.Language[:]...)
	b = append(b, p.Capabilities...)
	return b
}

func parseHelo(b []byte) (*heloPacket, error) {
	if len(b) < heloFixedLen {
		return nil, fmt.Errorf("helo: %w: %d bytes", ErrShortFrame, len(b))
	}
	p := &heloPacket{DeviceID: b[0], Revision: b[1]}
	copy(p.MAC[:], b[2:8])
	copy(p.UUID[:], b[8:24])
	p.WLANChannels = binary.BigEndian.Uint16(b[24:26])
	p.BytesReceived = uint64(binary.BigEndian.Uint32(b[26:30]))<<32 |
		uint64(binary.BigEndian.Uint32(b[30:34]))
	copy(p.Language[:], b[34:36])
	p.Capabilities = string(b[36:])
	return p, nil
}

// statPacket is the player status report. Event is the 4-byte STMx code.
type statPacket struct {
	Event           [4]byte
	NumCRLF         byte
	MASInitialized  byte
	MASMode         byte
	StreamBufSize   uint32
	StreamBufFull   uint32
	BytesReceived   uint64
	SignalStrength  uint16
	Jiffies         uint32
	OutputBufSize   uint32
	OutputBufFull   uint32
	ElapsedSeconds  uint32
	Voltage         uint16
	ElapsedMS       uint32
	ServerTimestamp uint32 // echoed verbatim, never reinterpreted
	ErrorCode       uint16
}

func (p *statPacket) encode() []byte {
	b := make([]byte, 0, 53)
	b = append(b, p.Event[:]...)
	b = append(b, p.NumCRLF, p.MASInitialized, p.MASMode)
	b = binary.BigEndian.AppendUint32(b, p.StreamBufSize)
	b = binary.BigEndian.AppendUint32(b, p.StreamBufFull)
	b = binary.BigEndian.AppendUint32(b, uint32(p.BytesReceived>>32))
	b = binary.BigEndian.AppendUint32(b, uint32(p.BytesReceived))
	b = binary.BigEndian.AppendUint16(b, p.SignalStrength)
	b = binary.BigEndian.AppendUint32(b, p.Jiffies)
	b = binary.BigEndian.AppendUint32(b, p.OutputBufSize)
	b = binary.BigEndian.AppendUint32(b, p.OutputBufFull)
	b = binary.BigEndian.AppendUint32(b, p.ElapsedSeconds)
	b = binary.BigEndian.AppendUint16(b, p.Voltage)
	b = binary.BigEndian.AppendUint32(b, p.ElapsedMS)
	b = binary.BigEndian.AppendUint32(b, p.ServerTimestamp)
	b = binary.BigEndian.AppendUint16(b, p.ErrorCode)
	return b
}

func parseStat(b []byte) (*statPacket, error) {
	if len(b) < 53 {
		return nil, fmt.Errorf("stat: %w: %d bytes", ErrShortFrame, len(b))
	}
	p := &statPacket{}
	copy(p.Event[:], b[0:4])
	p.NumCRLF = b[4]
	p.MASInitialized = b[5]
	p.MASMode = b[6]
	p.StreamBufSize = binary.BigEndian.Uint32(b[7:11])
	p.StreamBufFull = binary.BigEndian.Uint32(b[11:15])
	p.BytesReceived = uint64(binary.BigEndian.Uint32(b[15:19]))<<32 |
		uint64(binary.BigEndian.Uint32(b[19:23]))
	p.SignalStrength = binary.BigEndian.Uint16(b[23:25])
	p.Jiffies = binary.BigEndian.Uint32(b[25:29])
	p.OutputBufSize = binary.BigEndian.Uint32(b[29:33])
	p.OutputBufFull = binary.BigEndian.Uint32(b[33:37])
	p.ElapsedSeconds = binary.BigEndian.Uint32(b[37:41])
	p.Voltage = binary.BigEndian.Uint16(b[41:43])
	p.ElapsedMS = binary.BigEndian.Uint32(b[43:47])
	p.ServerTimestamp = binary.BigEndian.Uint32(b[47:51])
	p.ErrorCode = binary.BigEndian.Uint16(b[51:53])
	return p, nil
}

// encodeDSCO builds a stream-disconnected report.
func encodeDSCO(code byte) []byte { return []byte{code} }

// encodeSETD builds a settings reply; id 0 carries the player name.
func encodeSETD(id byte, data []byte) []byte {
	b := make([]byte, 0, 1+len(data))
	b = append(b, id)
	return append(b, data...)
}
