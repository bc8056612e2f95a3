// SPDX-License-Identifier: MIT

package slimproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	discoveryTimeout = 5 * time.Second
	defaultCLIPort   = 9090
)

// discoveryPort is a var so tests can stand in a local responder.
var discoveryPort = 3483

// ServerInfo is what discovery learns about a server.
type ServerInfo struct {
	IP      net.IP
	Port    int // TCP control port
	CLIPort int
	Version string
}

func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.IP.String(), strconv.Itoa(s.Port))
}

// discoveryRequest is the probe payload: 'e' plus the tags we want answered.
func discoveryRequest() []byte {
	b := []byte{'e'}
	b = append(b, "VERS"...)
	b = append(b, 0)
	b = append(b, "JSON"...)
	b = append(b, 0)
	b = append(b, "CLIP"...)
	return b
}

// parseDiscovery walks the tag/length/value reply. Unknown tags are skipped
// so newer servers stay parseable.
func parseDiscovery(resp []byte, from net.IP) (*ServerInfo, error) {
	info := &ServerInfo{IP: from, CLIPort: defaultCLIPort}
	i := 0
	for i+5 <= len(resp) {
		tag := string(resp[i : i+4])
		n := int(resp[i+4])
		i += 5
		if i+n > len(resp) {
			return nil, fmt.Errorf("discovery: truncated %s value", tag)
		}
		val := string(resp[i : i+n])
		i += n
		switch tag {
		case "VERS":
			info.Version = val
		case "JSON":
			p, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("discovery: bad JSON port %q: %w", val, err)
			}
			info.Port = p
		case "CLIP":
			p, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("discovery: bad CLIP port %q: %w", val, err)
			}
			info.CLIPort = p
		}
	}
	if info.Port == 0 {
		return nil, fmt.Errorf("discovery: reply carried no control port")
	}
	return info, nil
}

// discover locates a server. With a non-empty serverIP the probe is unicast
// there; otherwise it is broadcast. It retries until a reply arrives or ctx
// is cancelled.
func discover(ctx context.Context, log *slog.Logger, serverIP string) (*ServerInfo, error) {
	target := net.IPv4bcast
	if serverIP != "" && serverIP != "?" {
		ip := net.ParseIP(serverIP)
		if ip == nil {
			return nil, fmt.Errorf("discovery: bad server address %q", serverIP)
		}
		target = ip
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: target, Port: discoveryPort}
	req := discoveryRequest()
	buf := make([]byte, 512)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.WriteTo(req, dst); err != nil {
			log.Warn("discovery send failed", "error", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(discoveryTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, fmt.Errorf("discovery: %w", err)
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok || n < 1 {
			continue
		}
		info, perr := parseDiscovery(buf[:n], udp.IP.To4())
		if perr != nil {
			log.Debug("discovery reply ignored", "error", perr)
			continue
		}
		log.Info("server discovered",
			"ip", info.IP, "port", info.Port, "cli_port", info.CLIPort, "version", info.Version)
		return info, nil
	}
}

// jiffies is the millisecond tick counter reported in STAT, relative to an
// epoch fixed at controller start.
func jiffies(epoch time.Time) uint32 {
	return uint32(time.Since(epoch) / time.Millisecond)
}
