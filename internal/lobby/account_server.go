package lobby

import (
	"fmt"
	"log/slog"

	"github.com/sw2proto/lobbyd/internal/bitstream"
	"github.com/sw2proto/lobbyd/internal/clock"
	"github.com/sw2proto/lobbyd/internal/config"
	"github.com/sw2proto/lobbyd/internal/framing"
	"github.com/sw2proto/lobbyd/internal/metrics"
	"github.com/sw2proto/lobbyd/internal/netio"
	"github.com/sw2proto/lobbyd/internal/wire"
)

const (
	loginDeadlineMillis = 5_000
	ticketTimeoutMillis = 5_000
)

type accountLink struct {
	ep    *netio.Endpoint
	ch    *framing.PacketChannel
	ready bool // past the version handshake
	since int64
}

type pendingTicket struct {
	ticket  VerificationTicket
	linkID  int
	blob    []byte
	expires int64
}

// AccountServer is the delegated-login peer a SessionServer connects out
// to: it authenticates login blobs forwarded by the session server and
// replies with accept/reject, correlated by VerificationTicket.
type AccountServer struct {
	cfg      config.Lobby
	clk      clock.Source
	registry *wire.Registry
	netSrv   *netio.Server

	links   map[int]*accountLink
	pending map[uint32]*pendingTicket // keyed by PlayerID; one in-flight login per player

	// Metrics, if set, is updated as links open and close. Nil disables
	// metrics recording entirely.
	Metrics *metrics.Lobby

	// OnNewServerReady fires once a connected session server has passed the
	// version handshake and is ready to forward player requests.
	OnNewServerReady func(linkID int)
	// OnRequestPlayerLogin fires when a session server forwards a login
	// request; the caller authenticates blob out-of-band and eventually
	// calls ReplyPlayerLogin with the same ticket.
	OnRequestPlayerLogin func(ticket VerificationTicket, blob []byte)
	// OnRequestPlayerLogout fires when a session server reports a player left.
	OnRequestPlayerLogout func(playerID uint32)
}

// NewAccountServer listens on cfg.AddrAccount, accepting up to
// config.HardCapMaxServer concurrent session-server links.
func NewAccountServer(cfg config.Lobby, clk clock.Source) (*AccountServer, error) {
	s := &AccountServer{
		cfg:      cfg,
		clk:      clk,
		registry: NewRegistry(),
		links:    make(map[int]*accountLink),
		pending:  make(map[uint32]*pendingTicket),
	}
	netSrv, err := netio.NewServer(cfg.AddrAccount, config.HardCapMaxServer, s.onNewClient, s.onClientLeave)
	if err != nil {
		return nil, fmt.Errorf("lobby: account server listen: %w", err)
	}
	s.netSrv = netSrv
	return s, nil
}

// Addr returns the bound listen address.
func (s *AccountServer) Addr() string { return s.netSrv.Addr().String() }

// LinkCount returns the number of session servers currently connected.
func (s *AccountServer) LinkCount() int { return len(s.links) }

func (s *AccountServer) onNewClient(ep *netio.Endpoint, id int) {
	ep.MarkOpen()
	if s.Metrics != nil {
		s.Metrics.RecordAccept()
	}
	link := &accountLink{ep: ep, since: s.clk.NowMillis()}
	link.ch = framing.New(ep, s.clk, func(payload []byte) {
		s.handleMessage(id, payload)
	}, func() {
		slog.Warn("lobby: account link desync", "link", id)
	})
	s.links[id] = link

	buf := bitstream.NewGrowable()
	if err := s.registry.Encode(buf, &NotifyPacket{Code: NotifyNeedLogin}); err != nil {
		slog.Error("lobby: encode NEED_LOGIN", "error", err)
		return
	}
	link.ch.SendMessage(buf.Bytes())
}

func (s *AccountServer) onClientLeave(ep *netio.Endpoint, id int) {
	if s.Metrics != nil {
		s.Metrics.RecordClose()
	}
	delete(s.links, id)
	for playerID, pt := range s.pending {
		if pt.linkID == id {
			delete(s.pending, playerID)
		}
	}
}

// Tick drives the accept loop, every link's framing timers, and expires
// the login handshake deadline / parked tickets.
func (s *AccountServer) Tick() error {
	if err := s.netSrv.Tick(); err != nil {
		return err
	}
	now := s.clk.NowMillis()
	for id, link := range s.links {
		link.ch.Tick()
		if !link.ready && now-link.since >= loginDeadlineMillis {
			slog.Warn("lobby: session server missed login deadline", "link", id)
			link.ep.Disconnect(false)
		}
	}
	for playerID, pt := range s.pending {
		if now >= pt.expires {
			delete(s.pending, playerID)
		}
	}
	return nil
}

func (s *AccountServer) handleMessage(linkID int, payload []byte) {
	link, ok := s.links[linkID]
	if !ok {
		return
	}
	bs := bitstream.NewFixed(payload)
	pkt, err := s.registry.Decode(bs)
	if err != nil {
		slog.Error("lobby: account server decode", "error", err)
		link.ep.Disconnect(false)
		return
	}

	switch p := pkt.(type) {
	case *LoginPacket:
		s.handleLogin(linkID, link, p)
	case *RequestPacket:
		s.handleRequest(linkID, link, p)
	}
	s.registry.FreePacket(pkt)
}

func (s *AccountServer) handleLogin(linkID int, link *accountLink, p *LoginPacket) {
	if int(p.VersionMajor) != s.cfg.VersionMajor || int(p.VersionMinor) != s.cfg.VersionMinor {
		buf := bitstream.NewGrowable()
		_ = s.registry.Encode(buf, &NotifyPacket{Code: NotifyVersionMismatch})
		link.ch.SendMessage(buf.Bytes())
		link.ep.Disconnect(true)
		return
	}
	link.ready = true
	if s.OnNewServerReady != nil {
		s.OnNewServerReady(linkID)
	}
}

func (s *AccountServer) handleRequest(linkID int, link *accountLink, p *RequestPacket) {
	switch p.Code {
	case RequestLogin:
		ticket := NewVerificationTicket(p.PlayerID, s.clk.NowMillis())
		s.pending[p.PlayerID] = &pendingTicket{
			ticket:  ticket,
			linkID:  linkID,
			blob:    p.Blob,
			expires: s.clk.NowMillis() + ticketTimeoutMillis,
		}
		if s.OnRequestPlayerLogin != nil {
			s.OnRequestPlayerLogin(ticket, p.Blob)
		}
	case RequestLogout:
		if s.OnRequestPlayerLogout != nil {
			s.OnRequestPlayerLogout(p.PlayerID)
		}
		s.sendRequestReply(link, RequestLogout, p.PlayerID, p.Tick)
	}
}

// ReplyPlayerLogin answers a parked login ticket with accept/reject. The
// pending entry is removed and answered only when one exists for the
// ticket's player id with a matching salt; otherwise (for example the entry
// already expired via the 5s timeout) the call does nothing.
func (s *AccountServer) ReplyPlayerLogin(ticket VerificationTicket, accepted bool) {
	pt, ok := s.pending[ticket.PlayerID]
	if !ok || !pt.ticket.Matches(ticket.PlayerID, ticket.TickSalt) {
		return
	}
	delete(s.pending, ticket.PlayerID)

	link, ok := s.links[pt.linkID]
	if !ok {
		return
	}
	code := RequestLogin
	if !accepted {
		code = RequestAuthFail
	}
	s.sendRequestReply(link, code, ticket.PlayerID, ticket.TickSalt)
}

// ReplyPlayerLogout acknowledges a logout on linkID's connection.
func (s *AccountServer) ReplyPlayerLogout(linkID int, playerID uint32) {
	link, ok := s.links[linkID]
	if !ok {
		return
	}
	s.sendRequestReply(link, RequestLogout, playerID, uint32(s.clk.NowMillis()))
}

func (s *AccountServer) sendRequestReply(link *accountLink, code RequestCode, playerID, tick uint32) {
	buf := bitstream.NewGrowable()
	if err := s.registry.Encode(buf, &RequestPacket{Code: code, PlayerID: playerID, Tick: tick}); err != nil {
		slog.Error("lobby: encode request reply", "error", err)
		return
	}
	link.ch.SendMessage(buf.Bytes())
}
