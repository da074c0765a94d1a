package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/chenqinghe/sockgate"
	"github.com/sirupsen/logrus"
)

// TLVCodec frames a fixed binary head, a body and a one byte checksum.
type TLVCodec struct {
	// MaxLength bounds a body read from the peer, DefaultMaxFrameSize if 0.
	MaxLength uint64
}

var _ sockgate.Codec = TLVCodec{}

type TLVPacket struct {
	PacketHead

	Data []byte
}

type PacketHead struct {
	Label     uint16 // protocol label
	Version   uint16
	Type      int32
	ID        int64
	Timestamp int64 // unix milliseconds
	Length    uint64
}

var headSize = binary.Size(&PacketHead{})

var ErrInvalidChecksum = errors.New("invalid checksum")

func (p TLVPacket) Id() int64 {
	return p.ID
}

func (p TLVPacket) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

func (c TLVCodec) maxLength() uint64 {
	if c.MaxLength == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxLength
}

func (c TLVCodec) Read(reader io.Reader) (sockgate.Packet, error) {
	var head PacketHead

	headData := make([]byte, headSize)
	if _, err := io.ReadFull(reader, headData); err != nil {
		return nil, err
	}

	if err := binary.Read(bytes.NewReader(headData), binary.BigEndian, &head); err != nil {
		return nil, err
	}

	if head.Length > c.maxLength() {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, head.Length)
	}

	logrus.WithFields(logrus.Fields{
		"reqID": head.ID,
	}).Debugln("tlv frame length:", head.Length)

	data := make([]byte, head.Length+1) // data and sum byte

	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}

	sum := (&checksum{}).Write(headData).Write(data[:len(data)-1]).Sum()
	if sum != data[len(data)-1] {
		return nil, ErrInvalidChecksum
	}

	return TLVPacket{
		PacketHead: head,
		Data:       data[:len(data)-1],
	}, nil
}

func (c TLVCodec) Write(writer io.Writer, p sockgate.Packet) error {
	if p == nil {
		return errors.New("cannot send nil packet")
	}
	pkt, ok := p.(TLVPacket)
	if !ok {
		return fmt.Errorf("unknown packet type: %s", reflect.TypeOf(p).String())
	}
	if pkt.Timestamp == 0 {
		pkt.Timestamp = time.Now().UnixMilli()
	}
	pkt.Length = uint64(len(pkt.Data))

	buf := bytes.NewBuffer(make([]byte, 0, headSize+len(pkt.Data)+1))

	if err := binary.Write(buf, binary.BigEndian, pkt.PacketHead); err != nil {
		return err
	}
	sum := (&checksum{}).Write(buf.Bytes()).Write(pkt.Data).Sum()

	buf.Write(pkt.Data)
	buf.WriteByte(sum)

	// one Write per frame: a WsConn turns each Write into one message
	_, err := writer.Write(buf.Bytes())
	return err
}

type checksum struct {
	sum uint32
}

func (cs *checksum) Write(p []byte) *checksum {
	for _, v := range p {
		cs.sum += uint32(v)
	}
	return cs
}

func (cs *checksum) Sum() uint8 {
	return uint8(cs.sum % 256)
}
