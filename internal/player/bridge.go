// SPDX-License-Identifier: MIT

package player

import (
	"fmt"

	"github.com/google/uuid"
)

// Action identifies a controller-to-bridge notification.
type Action int

const (
	ActionStop Action = iota
	ActionPause
	ActionUnpause
	ActionOnOff
	ActionVolume
	ActionSetName
	ActionSetServer
	ActionPlay
	ActionSetTrack
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionPause:
		return "pause"
	case ActionUnpause:
		return "unpause"
	case ActionOnOff:
		return "onoff"
	case ActionVolume:
		return "volume"
	case ActionSetName:
		return "setname"
	case ActionSetServer:
		return "setserver"
	case ActionPlay:
		return "play"
	case ActionSetTrack:
		return "settrack"
	default:
		return fmt.Sprintf("unknown(%d)", a)
	}
}

// Track describes the next track the bridge should expose to the hardware
// player: the synthesized URL, the negotiated mime-type, and a cookie the
// bridge can use to correlate asynchronous completions. StreamLength is the
// configured content-length strategy for the bridge's HTTP response: a
// positive value is served literally, negative values select the usual
// sentinel behaviors (unknown length, chunked, infinite).
type Track struct {
	Index        int
	URL          string
	MimeType     string
	StreamLength int
	Cookie       uuid.UUID
}

// Event is one typed bridge notification. Exactly the fields relevant to the
// Action are populated.
type Event struct {
	Action Action
	On     bool    // ActionOnOff
	Volume float64 // ActionVolume
	Name   string  // ActionSetName
	Server string  // ActionSetServer
	Track  *Track  // ActionSetTrack
}

// Bridge receives controller events on the upstream side. Implementations
// must not block for long: events are delivered from the controller task.
type Bridge interface {
	OnEvent(ev Event)
}

// BridgeFunc adapts a function to the Bridge interface.
type BridgeFunc func(ev Event)

func (f BridgeFunc) OnEvent(ev Event) { f(ev) }
