// Package framing implements PacketChannel: the length+kind+nonce frame
// codec layered on top of a netio.Endpoint. It turns a raw byte stream
// into discrete messages, brackets oversized messages with stream-begin/
// stream-end sentinels, and watches a keepalive/dead-connection timer pair.
package framing

import (
	"encoding/binary"

	"github.com/sw2proto/lobbyd/internal/clock"
	"github.com/sw2proto/lobbyd/internal/netio"
)

// Frame header layout: 10-bit length | 2-bit kind | 4-bit nonce, packed
// into a single big-endian uint16.
const (
	maxFrameLength = 1<<10 - 1 // 1023, the largest value a 10-bit length field holds
	// maxFramePayload caps the payload SendMessage puts in one frame so that
	// header plus payload fits the receiver's 1024-byte netio receive window.
	maxFramePayload = 1021

	kindControl = 0
	kindData    = 1
	kindCont    = 2
	kindKeep    = 3

	nonceStreamBegin = 0xC
	nonceStreamEnd   = 0x8
	nonceKeepalive   = 0x0
)

const (
	keepaliveSendIntervalMillis = 25_000
	receiveTimeoutMillis        = 60_000
)

func packHeader(length int, kind, nonce uint16) uint16 {
	return uint16(length&0x3FF)<<6 | (kind&0x3)<<4 | (nonce & 0xF)
}

func unpackHeader(h uint16) (length int, kind, nonce uint16) {
	return int(h >> 6 & 0x3FF), h >> 4 & 0x3, h & 0xF
}

// PacketChannel reassembles framed messages on top of one endpoint and
// fires onStreamReady with each complete message payload.
type PacketChannel struct {
	ep  *netio.Endpoint
	clk clock.Source

	onStreamReady func(payload []byte)
	onDesync      func()

	sendNonce uint16
	recvNonce uint16

	assembling  bool
	assembleBuf []byte

	lastSendActivity int64
	lastRecvActivity int64
}

// New wires a PacketChannel onto ep. onStreamReady is invoked once per
// complete message; onDesync is invoked if the receiver detects the
// sequence nonce has drifted (the peer and this side disagree on frame
// count) and the channel has already disconnected the endpoint.
func New(ep *netio.Endpoint, clk clock.Source, onStreamReady func(payload []byte), onDesync func()) *PacketChannel {
	c := &PacketChannel{
		ep:               ep,
		clk:              clk,
		onStreamReady:    onStreamReady,
		onDesync:         onDesync,
		lastSendActivity: clk.NowMillis(),
		lastRecvActivity: clk.NowMillis(),
	}
	ep.OnReceive = c.handleReceive
	return c
}

// SendMessage queues payload for framed delivery. Messages that fit in a
// single frame go out as one Data frame; larger messages are bracketed in
// stream-begin/stream-end control frames around as many Data frames as needed.
func (c *PacketChannel) SendMessage(payload []byte) {
	now := c.clk.NowMillis()
	c.lastSendActivity = now

	if len(payload) <= maxFramePayload {
		c.sendFrame(kindData, c.nextSendNonce(), payload)
		return
	}

	c.sendFrame(kindControl, nonceStreamBegin, nil)
	for len(payload) > 0 {
		n := len(payload)
		if n > maxFramePayload {
			n = maxFramePayload
		}
		c.sendFrame(kindData, c.nextSendNonce(), payload[:n])
		payload = payload[n:]
	}
	c.sendFrame(kindControl, nonceStreamEnd, nil)
}

func (c *PacketChannel) nextSendNonce() uint16 {
	n := c.sendNonce
	c.sendNonce = (c.sendNonce + 1) & 0xF
	return n
}

func (c *PacketChannel) sendFrame(kind, nonce uint16, payload []byte) {
	var header [2]byte
	binary.BigEndian.PutUint16(header[:], packHeader(len(payload), kind, nonce))
	c.ep.Send(header[:])
	if len(payload) > 0 {
		c.ep.Send(payload)
	}
}

// Tick checks the keepalive-send and receive-timeout timers. It must be
// called once per reactor pass alongside the owning netio.Server's Tick.
func (c *PacketChannel) Tick() {
	now := c.clk.NowMillis()
	if now-c.lastRecvActivity >= receiveTimeoutMillis {
		c.ep.Disconnect(false)
		return
	}
	if now-c.lastSendActivity >= keepaliveSendIntervalMillis {
		c.sendFrame(kindKeep, nonceKeepalive, nil)
		c.lastSendActivity = now
	}
}

// handleReceive is installed as the endpoint's OnReceive callback. It
// drains as many complete frames as are staged in the receive window.
func (c *PacketChannel) handleReceive(ep *netio.Endpoint) {
	c.lastRecvActivity = c.clk.NowMillis()

	for {
		data := ep.ReceiveData()
		if len(data) < 2 {
			return
		}
		header := binary.BigEndian.Uint16(data[:2])
		length, kind, nonce := unpackHeader(header)
		if len(data) < 2+length {
			return // wait for the rest of this frame
		}
		payload := data[2 : 2+length]
		ep.ReceiveConsume(2 + length)

		if !c.dispatch(kind, nonce, payload) {
			return
		}
	}
}

// dispatch handles one parsed frame; it returns false once the endpoint
// has been torn down so handleReceive stops reading from it.
func (c *PacketChannel) dispatch(kind, nonce uint16, payload []byte) bool {
	switch kind {
	case kindControl:
		switch nonce {
		case nonceStreamBegin:
			c.assembling = true
			c.assembleBuf = c.assembleBuf[:0]
		case nonceStreamEnd:
			c.assembling = false
			if c.onStreamReady != nil {
				c.onStreamReady(c.assembleBuf)
			}
			c.assembleBuf = nil
		}
		return true
	case kindKeep:
		return true
	case kindData, kindCont:
		if !c.checkNonce(nonce) {
			return false
		}
		if c.assembling {
			c.assembleBuf = append(c.assembleBuf, payload...)
		} else if c.onStreamReady != nil {
			c.onStreamReady(payload)
		}
		return true
	default:
		return true
	}
}

func (c *PacketChannel) checkNonce(got uint16) bool {
	if got != c.recvNonce {
		c.ep.Disconnect(false)
		if c.onDesync != nil {
			c.onDesync()
		}
		return false
	}
	c.recvNonce = (c.recvNonce + 1) & 0xF
	return true
}
