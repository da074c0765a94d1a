// Package auth provides Authenticator implementations for sockgate.
//
// Credential based authenticators run a two frame exchange over the client's
// transport: the dialing side sends a login frame, the accepting side checks
// it and answers with a result frame.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chenqinghe/sockgate"
	"github.com/chenqinghe/sockgate/codec"
)

const (
	SubjectLogin       int32 = 1212
	SubjectLoginResult int32 = 1213
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnexpectedPacket  = errors.New("unexpected packet")
)

type loginPayload struct {
	User     string `json:"user,omitempty"`
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type loginResult struct {
	Succ bool `json:"succ"`
}

func frameCodec(c sockgate.Codec) sockgate.Codec {
	if c == nil {
		return codec.JsonCodec{}
	}
	return c
}

func sendJSON(c *sockgate.Client, cdc sockgate.Codec, subject int32, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WritePacket(cdc, frame(cdc, c.Id(), subject, data))
}

func readJSON(c *sockgate.Client, cdc sockgate.Codec, subject int32, v interface{}) error {
	p, err := c.ReadPacket(cdc)
	if err != nil {
		return err
	}
	got, data, err := unframe(p)
	if err != nil {
		return err
	}
	if got != subject {
		return fmt.Errorf("%w: subject %d", ErrUnexpectedPacket, got)
	}
	return json.Unmarshal(data, v)
}

// frame wraps a JSON payload in the packet type cdc writes. The TLV head's
// type carries the subject.
func frame(cdc sockgate.Codec, id int64, subject int32, data []byte) sockgate.Packet {
	now := time.Now().UnixMilli()

	if _, ok := cdc.(codec.TLVCodec); ok {
		return codec.TLVPacket{
			PacketHead: codec.PacketHead{
				Version:   1,
				Type:      subject,
				ID:        id,
				Timestamp: now,
			},
			Data: data,
		}
	}

	return codec.JsonPacket{
		Version:   1,
		Subject:   subject,
		ID:        id,
		Timestamp: now,
		Data:      data,
	}
}

func unframe(p sockgate.Packet) (int32, []byte, error) {
	switch packet := p.(type) {
	case codec.JsonPacket:
		return packet.Subject, packet.Data, nil
	case codec.TLVPacket:
		return packet.Type, packet.Data, nil
	default:
		return 0, nil, fmt.Errorf("%w: %T", ErrUnexpectedPacket, p)
	}
}

// readLogin reads the login frame of a dialing client.
func readLogin(c *sockgate.Client, cdc sockgate.Codec) (loginPayload, error) {
	var login loginPayload
	err := readJSON(c, cdc, SubjectLogin, &login)
	return login, err
}

// login sends credentials and waits for the accepting side's verdict.
func login(c *sockgate.Client, cdc sockgate.Codec, payload loginPayload) (bool, error) {
	if err := sendJSON(c, cdc, SubjectLogin, payload); err != nil {
		return false, err
	}
	var result loginResult
	if err := readJSON(c, cdc, SubjectLoginResult, &result); err != nil {
		return false, err
	}
	return result.Succ, nil
}

func reply(c *sockgate.Client, cdc sockgate.Codec, succ bool) error {
	return sendJSON(c, cdc, SubjectLoginResult, loginResult{Succ: succ})
}

// verdict answers the client and folds a failed check into the returned
// error.
func verdict(c *sockgate.Client, cdc sockgate.Codec, checkErr error) (bool, error) {
	succ := checkErr == nil
	if err := reply(c, cdc, succ); err != nil {
		return false, errors.Join(checkErr, err)
	}
	return succ, checkErr
}
