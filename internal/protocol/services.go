package protocol

import "fmt"

// Built-in service ids. Ids from ServiceBackendBase upwards belong to
// hardware backends and are opaque to the session layer.
const (
	ServiceSystemMessage  uint16 = 0x0001
	ServiceUserList       uint16 = 0x0002
	ServiceInvalidPacket  uint16 = 0x0003
	ServiceAck            uint16 = 0x0004
	ServiceSetNickname    uint16 = 0x0010
	ServiceRequestControl uint16 = 0x0011
	ServiceRequestFull    uint16 = 0x0012
	ServiceReleaseControl uint16 = 0x0013
	ServiceChat           uint16 = 0x0014
	ServicePing           uint16 = 0x0015

	ServiceBackendBase uint16 = 0x0100
)

var serviceNames = map[uint16]string{
	ServiceSystemMessage:  "system-message",
	ServiceUserList:       "user-list",
	ServiceInvalidPacket:  "invalid-packet",
	ServiceAck:            "ack",
	ServiceSetNickname:    "set-nickname",
	ServiceRequestControl: "request-control",
	ServiceRequestFull:    "request-full",
	ServiceReleaseControl: "release-control",
	ServiceChat:           "chat",
	ServicePing:           "ping",
}

// ServiceName returns a printable name for a service id.
func ServiceName(id uint16) string {
	if name, ok := serviceNames[id]; ok {
		return name
	}
	if id >= ServiceBackendBase {
		return fmt.Sprintf("backend-%#04x", id)
	}
	return fmt.Sprintf("unknown-%#04x", id)
}

// Privilege ranks who may issue control commands: Default < Control < Full.
type Privilege uint8

const (
	PrivilegeDefault Privilege = iota
	PrivilegeControl
	PrivilegeFull
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeDefault:
		return "default"
	case PrivilegeControl:
		return "control"
	case PrivilegeFull:
		return "full"
	default:
		return fmt.Sprintf("privilege(%d)", uint8(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Privilege) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Privilege) UnmarshalText(b []byte) error {
	switch string(b) {
	case "default":
		*p = PrivilegeDefault
	case "control":
		*p = PrivilegeControl
	case "full":
		*p = PrivilegeFull
	default:
		return fmt.Errorf("protocol: unknown privilege %q", b)
	}
	return nil
}
