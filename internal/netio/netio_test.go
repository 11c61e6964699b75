package netio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenTCP(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestOutgoingBufferSpansMultipleChunks(t *testing.T) {
	var b OutgoingBuffer
	payload := make([]byte, outgoingChunkSize+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.Write(payload)
	require.Equal(t, len(payload), b.Len())

	got := make([]byte, 0, len(payload))
	for b.Len() > 0 {
		p := b.Peek()
		got = append(got, p...)
		b.Advance(len(p))
	}
	require.Equal(t, payload, got)
}

func TestOutgoingBufferRecyclesChunks(t *testing.T) {
	var b OutgoingBuffer
	b.Write(make([]byte, outgoingChunkSize))
	b.Advance(outgoingChunkSize)
	require.NotNil(t, b.free, "expected drained chunk recycled to the free list slot used by getChunk, not retained on head/tail")
	b.Write(make([]byte, 10))
	require.Nil(t, b.free)
}

func TestReceiveWindowConsumeShiftsRemainder(t *testing.T) {
	var w ReceiveWindow
	copy(w.Available(), []byte("hello world"))
	w.Grow(11)
	w.Consume(6)
	require.Equal(t, "world", string(w.Data()))
}

func TestEndpointTickReceivesAndEchoes(t *testing.T) {
	ln, addr := listenTCP(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client := dial(t, addr)
	serverConn := <-accepted

	ep := NewEndpoint(serverConn)
	ep.MarkOpen()
	var received []byte
	ep.OnReceive = func(e *Endpoint) {
		received = append(received, e.in.Data()...)
		e.in.Consume(len(e.in.Data()))
		e.Send([]byte("ack"))
	}

	_, err := client.Write([]byte("hi"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = ep.Tick()
		return len(received) > 0
	}, time.Second, time.Millisecond)
	require.Equal(t, "hi", string(received))

	buf := make([]byte, 3)
	require.Eventually(t, func() bool {
		_ = ep.Tick()
		client.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, _ := client.Read(buf)
		return n == 3
	}, time.Second, time.Millisecond)
	require.Equal(t, "ack", string(buf))
}

func TestEndpointDisconnectClosesOnceDrained(t *testing.T) {
	ln, addr := listenTCP(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client := dial(t, addr)
	serverConn := <-accepted

	ep := NewEndpoint(serverConn)
	ep.MarkOpen()
	ep.Send([]byte("bye"))
	ep.Disconnect(true)

	require.Eventually(t, func() bool {
		_ = ep.Tick()
		return ep.State() == StateClosed
	}, time.Second, time.Millisecond)

	buf := make([]byte, 3)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, _ := client.Read(buf)
	require.Equal(t, "bye", string(buf[:n]))
}

func TestEndpointAutoDetectsRawTrafficWhenNotAnUpgrade(t *testing.T) {
	ln, addr := listenTCP(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client := dial(t, addr)
	serverConn := <-accepted

	ep := NewEndpoint(serverConn)
	ep.BeginHandshake()
	var received []byte
	ep.OnReceive = func(e *Endpoint) {
		received = append(received, e.ReceiveData()...)
		e.ReceiveConsume(len(e.ReceiveData()))
	}

	_, err := client.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = ep.Tick()
		return len(received) > 0
	}, time.Second, time.Millisecond)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, received)
	require.Equal(t, StateOpen, ep.State())
	require.False(t, ep.wsMode)
}

func TestEndpointCompletesWebSocketUpgradeAndCarriesFrames(t *testing.T) {
	ln, addr := listenTCP(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client := dial(t, addr)
	serverConn := <-accepted

	ep := NewEndpoint(serverConn)
	ep.BeginHandshake()
	var received []byte
	ep.OnReceive = func(e *Endpoint) {
		received = append(received, e.ReceiveData()...)
		e.ReceiveConsume(len(e.ReceiveData()))
		e.Send([]byte("pong"))
	}

	req := "GET /lobby HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Protocol: sw2\r\n\r\n"
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	resp := make([]byte, 512)
	var n int
	require.Eventually(t, func() bool {
		_ = ep.Tick()
		client.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		var rerr error
		n, rerr = client.Read(resp)
		return rerr == nil && n > 0
	}, time.Second, time.Millisecond)
	require.Contains(t, string(resp[:n]), "101 Switching Protocols")
	require.Contains(t, string(resp[:n]), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	require.Contains(t, string(resp[:n]), "Sec-WebSocket-Protocol: sw2")
	require.True(t, ep.wsMode)

	frame := maskClientFrame([]byte("ping"), [4]byte{1, 2, 3, 4})
	_, err = client.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = ep.Tick()
		return string(received) == "ping"
	}, time.Second, time.Millisecond)

	buf := make([]byte, 512)
	require.Eventually(t, func() bool {
		_ = ep.Tick()
		client.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		var rerr error
		n, rerr = client.Read(buf)
		return rerr == nil && n > 0
	}, time.Second, time.Millisecond)
	payload, consumed, ok := decodeServerFrame(buf[:n])
	require.True(t, ok)
	require.Equal(t, n, consumed)
	require.Equal(t, "pong", string(payload))
}

func TestEndpointRejectsUpgradeWithWrongSubprotocol(t *testing.T) {
	ln, addr := listenTCP(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client := dial(t, addr)
	serverConn := <-accepted

	ep := NewEndpoint(serverConn)
	ep.BeginHandshake()

	req := "GET /lobby HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Protocol: not-sw2\r\n\r\n"
	_, err := client.Write([]byte(req))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = ep.Tick()
		return ep.State() == StateClosed
	}, time.Second, time.Millisecond)
}

// decodeServerFrame unwraps an unmasked server->client frame
// (DecodeWSFrame only accepts masked client frames, per RFC 6455 §5.1).
func decodeServerFrame(data []byte) (payload []byte, consumed int, ok bool) {
	if len(data) < 2 {
		return nil, 0, false
	}
	length := int(data[1] & 0x7F)
	pos := 2
	if length == 126 {
		length = int(data[2])<<8 | int(data[3])
		pos = 4
	}
	if len(data) < pos+length {
		return nil, 0, false
	}
	return data[pos : pos+length], pos + length, true
}

func TestServerAcceptsAndTicksClients(t *testing.T) {
	var joined, left int
	srv, err := NewServer("127.0.0.1:0", 4,
		func(ep *Endpoint, id int) { joined++; ep.MarkOpen() },
		func(ep *Endpoint, id int) { left++ },
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client := dial(t, srv.Addr().String())

	require.Eventually(t, func() bool {
		_ = srv.Tick()
		return joined == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, srv.HitCount())
	require.Equal(t, 1, srv.CurrentConcurrency())
	require.Equal(t, 1, srv.PeakConcurrency())

	client.Close()
	require.Eventually(t, func() bool {
		_ = srv.Tick()
		return left == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, 0, srv.CurrentConcurrency())
	require.Equal(t, 1, srv.PeakConcurrency())
}
