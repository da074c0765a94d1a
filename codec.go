package sockgate

import (
	"io"
)

// Codec reads and writes Packets over a stream. A Codec may be shared by
// many clients, callers serialize access per stream.
type Codec interface {
	Read(reader io.Reader) (p Packet, err error)
	Write(writer io.Writer, p Packet) error
}
