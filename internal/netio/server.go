package netio

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sw2proto/lobbyd/internal/pool"
)

// deadlineListener is satisfied by *net.TCPListener; asserting it lets
// Accept participate in the same non-blocking tick model as Endpoint reads.
type deadlineListener interface {
	net.Listener
	SetDeadline(time.Time) error
}

// Server owns a listener and the pool of endpoints accepted from it. A
// single call to Tick drains one pending accept (if any) and ticks every
// live endpoint exactly once.
type Server struct {
	listener    net.Listener
	dl          deadlineListener
	conns       *pool.Pool[*Endpoint]
	onNewClient func(ep *Endpoint, id int)
	onLeave     func(ep *Endpoint, id int)

	hitCount        int
	peakConcurrency int
}

// NewServer listens on addr and prepares a growable pool of endpoints
// seeded at capacity. onNewClient fires once a connection is accepted and
// pool-registered; onLeave fires once its Tick reports StateClosed, right
// before its pool slot is freed.
func NewServer(addr string, capacity int, onNewClient, onLeave func(ep *Endpoint, id int)) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s: %w", addr, err)
	}
	dl, ok := ln.(deadlineListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("netio: listener %T does not support deadlines", ln)
	}
	return &Server{
		listener:    ln,
		dl:          dl,
		conns:       pool.NewGrowable[*Endpoint](capacity),
		onNewClient: onNewClient,
		onLeave:     onLeave,
	}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close shuts down the listener. Already-accepted endpoints are unaffected.
func (s *Server) Close() error { return s.listener.Close() }

// HitCount returns the total number of connections ever accepted.
func (s *Server) HitCount() int { return s.hitCount }

// CurrentConcurrency returns the number of endpoints presently tracked.
func (s *Server) CurrentConcurrency() int { return s.conns.Size() }

// PeakConcurrency returns the highest CurrentConcurrency observed.
func (s *Server) PeakConcurrency() int { return s.peakConcurrency }

// Tick performs one non-blocking accept attempt, then ticks every tracked
// endpoint once, removing and reporting any that closed.
func (s *Server) Tick() error {
	if err := s.acceptOnce(); err != nil {
		return err
	}

	for i := s.conns.First(); i != -1; {
		next := s.conns.Next(i)
		ep := *s.conns.Get(i)
		if err := ep.Tick(); err != nil && !isWouldBlock(err) {
			// Tick already closed the endpoint on this error; it is not
			// reported any further.
		}
		if ep.State() == StateClosed {
			if s.onLeave != nil {
				s.onLeave(ep, i)
			}
			s.conns.Free(i)
		}
		i = next
	}
	return nil
}

func (s *Server) acceptOnce() error {
	if err := s.dl.SetDeadline(time.Now()); err != nil {
		return fmt.Errorf("netio: set accept deadline: %w", err)
	}
	conn, err := s.listener.Accept()
	if err != nil {
		if isWouldBlock(err) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("netio: accept: %w", err)
	}

	ep := NewEndpoint(conn)
	id, ok := s.conns.Alloc()
	if !ok {
		ep.Disconnect(false)
		_ = ep.Tick()
		return nil
	}
	*s.conns.Get(id) = ep
	s.hitCount++
	if s.conns.Size() > s.peakConcurrency {
		s.peakConcurrency = s.conns.Size()
	}
	if s.onNewClient != nil {
		s.onNewClient(ep, id)
	}
	return nil
}
