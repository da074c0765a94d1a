package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/chenqinghe/sockgate"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDelimiter    = "\n"
	DefaultMaxFrameSize = 64 * 1024
)

var ErrFrameTooLarge = errors.New("frame too large")

// JsonCodec frames JSON documents with a delimiter.
type JsonCodec struct {
	// Delimiter ends every frame, DefaultDelimiter if empty.
	Delimiter string
	// MaxFrameSize bounds a frame read from the peer, DefaultMaxFrameSize if 0.
	MaxFrameSize int
}

var _ sockgate.Codec = JsonCodec{}

type JsonPacket struct {
	Type      int8            `json:"type"`
	Version   uint8           `json:"version"`
	Subject   int32           `json:"subject"`
	ID        int64           `json:"id"`
	Timestamp int64           `json:"time"`
	Data      json.RawMessage `json:"data"`
}

func (p JsonPacket) Id() int64       { return p.ID }
func (p JsonPacket) Time() time.Time { return time.UnixMilli(p.Timestamp) }

func (codec JsonCodec) delimiter() []byte {
	if codec.Delimiter == "" {
		return []byte(DefaultDelimiter)
	}
	return []byte(codec.Delimiter)
}

func (codec JsonCodec) maxFrameSize() int {
	if codec.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return codec.MaxFrameSize
}

// Read consumes the stream one byte at a time so that nothing past the
// delimiter is taken from the reader.
func (codec JsonCodec) Read(reader io.Reader) (sockgate.Packet, error) {
	delim := codec.delimiter()
	max := codec.maxFrameSize()

	data := make([]byte, 0, 512)
	buf := make([]byte, 1)

	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, err
		}
		data = append(data, buf[0])
		if bytes.HasSuffix(data, delim) {
			break
		}
		if len(data) > max {
			return nil, ErrFrameTooLarge
		}
	}

	logrus.WithField("size", len(data)).Debugln("read json frame")

	var p JsonPacket
	if err := json.Unmarshal(data[:len(data)-len(delim)], &p); err != nil {
		return nil, err
	}

	return p, nil
}

func (codec JsonCodec) Write(writer io.Writer, p sockgate.Packet) error {
	if p == nil {
		return errors.New("cannot send nil packet")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	data = append(data, codec.delimiter()...)

	logrus.WithField("size", len(data)).Debugln("write json frame")

	_, err = writer.Write(data)
	return err
}
