package sockgate

import "time"

// Packet is a frame exchanged during a handshake or broadcast by the registry.
type Packet interface {
	Id() int64

	Time() time.Time
}
