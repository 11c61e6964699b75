package lobby

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sw2proto/lobbyd/internal/bitstream"
	"github.com/sw2proto/lobbyd/internal/clock"
	"github.com/sw2proto/lobbyd/internal/config"
	"github.com/sw2proto/lobbyd/internal/framing"
	"github.com/sw2proto/lobbyd/internal/metrics"
	"github.com/sw2proto/lobbyd/internal/netio"
	"github.com/sw2proto/lobbyd/internal/stage"
	"github.com/sw2proto/lobbyd/internal/wire"
)

// SessionServer is SessionCore's server half: it accepts player
// connections, maintains the player/channel/game Directory, and (when an
// account server address is configured) delegates login authentication to
// one over its own AccountServer link.
type SessionServer struct {
	cfg      config.Lobby
	clk      clock.Source
	registry *wire.Registry
	dir      *Directory

	netSrv *netio.Server
	stack  *stage.Stack[*SessionServer]

	conns map[int]*sessionConn // keyed by netio pool id

	accountLink    *framing.PacketChannel
	accountEP      *netio.Endpoint
	accountPending map[uint32]int   // playerID -> conn id, awaiting AccountServer's login reply
	pendingSince   map[uint32]int64 // playerID -> NowMillis() when the login/logout ticket was parked
	logoutPending  map[uint32]bool  // playerID -> awaiting AccountServer's logout acknowledgement

	// Metrics, if set, is updated as clients connect/disconnect and every Tick.
	Metrics *metrics.Lobby
}

type sessionConn struct {
	ep       *netio.Endpoint
	ch       *framing.PacketChannel
	playerID uint32 // meaningful only once reserved is true; 0 is a legal player id
	reserved bool   // a Directory slot has been allocated for this connection
	loggedIn bool
}

// NewSessionServer builds a SessionServer listening on cfg.AddrListen,
// with a Directory sized from cfg's capacity fields.
func NewSessionServer(cfg config.Lobby, clk clock.Source) (*SessionServer, error) {
	s := &SessionServer{
		cfg:            cfg,
		clk:            clk,
		registry:       NewRegistry(),
		dir:            NewDirectory(cfg.MaxPlayer, cfg.MaxChannel, cfg.MaxChannelPlayer, cfg.MaxPlayer),
		conns:          make(map[int]*sessionConn),
		accountPending: make(map[uint32]int),
		pendingSince:   make(map[uint32]int64),
		logoutPending:  make(map[uint32]bool),
	}
	s.stack = stage.New(s)
	return s, nil
}

// Start pushes the server through Initialize (and PhaseAccount, if
// cfg.AddrAccount is set) to Startup, which opens the client listener.
func (s *SessionServer) Start() error {
	s.stack.Push(initializeState{})
	return nil
}

// State returns the name of the server's current lifecycle stage, for logging/metrics.
func (s *SessionServer) State() string {
	if top := s.stack.Top(); top != nil {
		return fmt.Sprintf("%T", top)
	}
	return "Dummy"
}

// Addr returns the client listener's bound address. Empty until Startup.
func (s *SessionServer) Addr() string {
	if s.netSrv == nil {
		return ""
	}
	return s.netSrv.Addr().String()
}

// ClientCount returns the number of connections currently attached.
func (s *SessionServer) ClientCount() int { return len(s.conns) }

// PlayersOnline returns the number of logged-in players across all channels.
func (s *SessionServer) PlayersOnline() int { return s.dir.Players.Size() }

// GamesActive returns the number of currently registered games.
func (s *SessionServer) GamesActive() int { return s.dir.Games.Size() }

// Tick drives the accept loop, every connection's framing timers, the
// account-server link (if any), and dispatches any ready messages.
func (s *SessionServer) Tick() error {
	if s.netSrv != nil {
		if err := s.netSrv.Tick(); err != nil {
			return err
		}
		for _, c := range s.conns {
			c.ch.Tick()
		}
	}
	if s.accountLink != nil {
		s.accountLink.Tick()
		s.purgeExpiredTickets()
	}
	if s.Metrics != nil {
		s.Metrics.PlayersOnline.Set(float64(s.PlayersOnline()))
		s.Metrics.GamesActive.Set(float64(s.GamesActive()))
	}
	return nil
}

// purgeExpiredTickets drops login/logout tickets the account server never
// answered within ticketTimeoutMillis, so a lost or dropped reply cannot
// leak a parked Directory slot forever.
func (s *SessionServer) purgeExpiredTickets() {
	now := s.clk.NowMillis()
	for id, since := range s.pendingSince {
		if now-since < ticketTimeoutMillis {
			continue
		}
		delete(s.pendingSince, id)
		if _, stillLogin := s.accountPending[id]; stillLogin {
			delete(s.accountPending, id)
			s.dir.RemovePlayer(id)
			slog.Warn("lobby: account login ticket timed out", "player", id)
			continue
		}
		if s.logoutPending[id] {
			delete(s.logoutPending, id)
			s.dir.RemovePlayer(id)
			slog.Warn("lobby: account logout ticket timed out", "player", id)
		}
	}
}

// --- stage.State implementations driving server startup. ---

type initializeState struct{}

func (initializeState) Enter(s *SessionServer, n stage.Notification, _ any) {
	if n != stage.Join {
		return
	}
	if s.cfg.AddrAccount != "" {
		s.stack.PopAndPush(phaseAccountState{}, 0)
		return
	}
	s.stack.PopAndPush(startupState{}, 0)
}

type phaseAccountState struct{}

func (phaseAccountState) Enter(s *SessionServer, n stage.Notification, _ any) {
	if n != stage.Join {
		return
	}
	// A session server's link to its account server is a one-time startup
	// dial, not a per-tick operation, so a bounded blocking Dial here does
	// not violate the tick model's "no blocking in the hot loop" rule.
	conn, err := net.DialTimeout("tcp", s.cfg.AddrAccount, 12*time.Second)
	if err != nil {
		slog.Error("lobby: dialing account server failed, continuing without delegated login", "error", err)
		s.stack.PopAndPush(startupState{}, 0)
		return
	}
	s.accountEP = netio.NewEndpoint(conn)
	s.accountEP.MarkOpen()
	s.accountLink = framing.New(s.accountEP, s.clk, s.handleAccountMessage, func() {
		slog.Warn("lobby: account link desync")
	})
	s.stack.PopAndPush(startupState{}, 0)
}

type startupState struct{}

func (startupState) Enter(s *SessionServer, n stage.Notification, _ any) {
	if n != stage.Join {
		return
	}
	netSrv, err := netio.NewServer(s.cfg.AddrListen, s.cfg.MaxPlayer, s.onNewClient, s.onClientLeave)
	if err != nil {
		slog.Error("lobby: session server listen failed", "error", err)
		return
	}
	s.netSrv = netSrv
	s.stack.PopAndPush(readyState{}, 0)
}

type readyState struct{}

func (readyState) Enter(s *SessionServer, n stage.Notification, _ any) {
	if n == stage.Join {
		slog.Info("lobby: session server ready", "addr", s.Addr())
	}
}

// --- Player connection handling. ---

func (s *SessionServer) onNewClient(ep *netio.Endpoint, id int) {
	// A player's connection may arrive as plain framed TCP or a browser's
	// WebSocket upgrade; BeginHandshake lets the first bytes decide.
	ep.BeginHandshake()
	if s.Metrics != nil {
		s.Metrics.RecordAccept()
	}
	c := &sessionConn{ep: ep}
	c.ch = framing.New(ep, s.clk, func(payload []byte) {
		s.handleClientMessage(id, c, payload)
	}, func() {
		slog.Warn("lobby: client desync", "conn", id)
	})
	s.conns[id] = c
}

func (s *SessionServer) onClientLeave(ep *netio.Endpoint, id int) {
	c, ok := s.conns[id]
	if !ok {
		return
	}
	if s.Metrics != nil {
		s.Metrics.RecordClose()
	}
	if c.loggedIn {
		s.leaveFeeds(c.playerID)
	}
	if c.reserved {
		delete(s.accountPending, c.playerID)
		if s.accountLink != nil && c.loggedIn {
			// A verified player's directory slot outlives the socket until the
			// account server acknowledges the logout, per the delegated-login
			// lifecycle: destroyed on disconnect + account-side acknowledgement.
			s.logoutPending[c.playerID] = true
			s.pendingSince[c.playerID] = s.clk.NowMillis()
			buf := bitstream.NewGrowable()
			_ = s.registry.Encode(buf, &RequestPacket{Code: RequestLogout, PlayerID: c.playerID, Tick: uint32(s.clk.NowMillis())})
			s.accountLink.SendMessage(buf.Bytes())
		} else {
			delete(s.pendingSince, c.playerID)
			s.dir.RemovePlayer(c.playerID)
		}
	}
	delete(s.conns, id)
}

func (s *SessionServer) handleClientMessage(connID int, c *sessionConn, payload []byte) {
	bs := bitstream.NewFixed(payload)
	pkt, err := s.registry.Decode(bs)
	if err != nil {
		slog.Error("lobby: client decode", "conn", connID, "error", err)
		c.ep.Disconnect(false)
		return
	}
	defer s.registry.FreePacket(pkt)

	switch p := pkt.(type) {
	case *LoginPacket:
		s.handleLogin(connID, c, p)
	case *ChannelPacket:
		s.handleChannelSwitch(c, p)
	case *ChatPacket:
		s.handleChat(c, p)
	case *GamePacket:
		s.handleGame(c, p)
	}
}

func (s *SessionServer) handleLogin(connID int, c *sessionConn, p *LoginPacket) {
	if int(p.VersionMajor) != s.cfg.VersionMajor || int(p.VersionMinor) != s.cfg.VersionMinor {
		s.sendNotify(c, NotifyVersionMismatch, 0)
		c.ep.Disconnect(true)
		return
	}

	if s.accountLink != nil {
		// Park a provisional id by reserving a Directory slot first so the
		// ticket correlation has something stable to resolve to.
		id, _, ok := s.dir.AddPlayer("", p.WantPlayerList, p.WantGameList, p.WantChat)
		if !ok {
			s.sendNotify(c, NotifyServerFull, 0)
			return
		}
		(*s.dir.Players.Get(int(id))).Name = fmt.Sprintf("player-%d", id)
		s.accountPending[id] = connID
		s.pendingSince[id] = s.clk.NowMillis()
		c.playerID = id
		c.reserved = true
		buf := bitstream.NewGrowable()
		_ = s.registry.Encode(buf, &RequestPacket{Code: RequestLogin, PlayerID: id, Tick: uint32(s.clk.NowMillis()), Blob: p.Blob})
		s.accountLink.SendMessage(buf.Bytes())
		return
	}

	s.acceptLogin(c, p.WantPlayerList, p.WantGameList, p.WantChat)
}

func (s *SessionServer) acceptLogin(c *sessionConn, wantPlayerList, wantGameList, wantChat bool) {
	id, channelID, ok := s.dir.AddPlayer("", wantPlayerList, wantGameList, wantChat)
	if !ok {
		s.sendNotify(c, NotifyServerFull, 0)
		return
	}
	(*s.dir.Players.Get(int(id))).Name = fmt.Sprintf("player-%d", id)
	c.playerID = id
	c.reserved = true
	c.loggedIn = true
	s.sendNotify(c, NotifyLoginAccepted, id)
	s.joinFeeds(id, channelID)
}

func (s *SessionServer) handleAccountMessage(payload []byte) {
	bs := bitstream.NewFixed(payload)
	pkt, err := s.registry.Decode(bs)
	if err != nil {
		slog.Error("lobby: account message decode", "error", err)
		return
	}
	defer s.registry.FreePacket(pkt)

	switch p := pkt.(type) {
	case *NotifyPacket:
		if p.Code == NotifyNeedLogin {
			// Account server wants our own version handshake first.
			buf := bitstream.NewGrowable()
			_ = s.registry.Encode(buf, &LoginPacket{VersionMajor: uint32(s.cfg.VersionMajor), VersionMinor: uint32(s.cfg.VersionMinor)})
			s.accountLink.SendMessage(buf.Bytes())
		}
	case *RequestPacket:
		if connID, pending := s.accountPending[p.PlayerID]; pending {
			delete(s.accountPending, p.PlayerID)
			delete(s.pendingSince, p.PlayerID)
			c, ok := s.conns[connID]
			if !ok {
				s.dir.RemovePlayer(p.PlayerID)
				return
			}
			if p.Code == RequestLogin {
				c.loggedIn = true
				s.sendNotify(c, NotifyLoginAccepted, p.PlayerID)
				if player := *s.dir.Players.Get(int(p.PlayerID)); player != nil {
					s.joinFeeds(p.PlayerID, player.ChannelID)
				}
			} else {
				s.dir.RemovePlayer(p.PlayerID)
				s.sendNotify(c, NotifyLoginRejected, 0)
			}
			return
		}
		if s.logoutPending[p.PlayerID] {
			delete(s.logoutPending, p.PlayerID)
			delete(s.pendingSince, p.PlayerID)
			s.dir.RemovePlayer(p.PlayerID)
		}
	}
}

func (s *SessionServer) handleChannelSwitch(c *sessionConn, p *ChannelPacket) {
	if !c.loggedIn || p.Code != ChannelChange {
		return
	}
	if !s.cfg.EnableChannel {
		c.ep.Disconnect(false)
		return
	}
	player := *s.dir.Players.Get(int(c.playerID))
	newChannel := int(p.ChannelID)
	if player.GameID != 0 || newChannel == player.ChannelID || !s.dir.ValidChannel(newChannel) {
		// A client is expected to avoid these cases itself (already in a game,
		// switching to its own channel, an out-of-range index); treat any of
		// them as a protocol violation rather than silently ignoring it.
		c.ep.Disconnect(false)
		return
	}
	oldChannel := player.ChannelID
	if !s.dir.SwitchChannel(c.playerID, newChannel) {
		s.sendNotify(c, NotifyChannelFull, 0)
		return
	}
	s.leaveFeedsChannel(c.playerID, oldChannel)
	s.joinFeeds(c.playerID, newChannel)
}

func (s *SessionServer) handleChat(c *sessionConn, p *ChatPacket) {
	if !c.loggedIn {
		return
	}
	player := *s.dir.Players.Get(int(c.playerID))
	switch p.Code {
	case ChatBroadcast:
		s.broadcastChat(player.ChannelID, c.playerID, p.Message)
	case ChatPMTo:
		s.sendPM(p.PlayerID, c.playerID, p.Message)
	}
}

func (s *SessionServer) handleGame(c *sessionConn, p *GamePacket) {
	if !c.loggedIn {
		return
	}
	switch p.Code {
	case GameNew:
		gameID, ok := s.dir.NewGame(c.playerID, p.Name)
		if !ok {
			s.sendGame(c, GameNotFound, 0, "", 0)
			return
		}
		channelID := lookupPlayer(s.dir, c.playerID).ChannelID
		s.broadcastGame(channelID, GameAdd, gameID, p.Name, c.playerID)
		s.broadcastGame(channelID, GamePlayerJoin, gameID, "", c.playerID)
	case GameJoin:
		if !s.dir.JoinGame(p.GameID, c.playerID) {
			s.sendGame(c, GameNotFound, p.GameID, "", 0)
			return
		}
		s.broadcastGame(lookupPlayer(s.dir, c.playerID).ChannelID, GamePlayerJoin, p.GameID, "", c.playerID)
	case GameQuit:
		ch := lookupPlayer(s.dir, c.playerID).ChannelID
		s.dir.QuitGame(p.GameID, c.playerID)
		if s.dir.Games.IsUsed(int(p.GameID)) {
			s.broadcastGame(ch, GamePlayerLeave, p.GameID, "", c.playerID)
		} else {
			s.broadcastGame(ch, GameRemove, p.GameID, "", c.playerID)
		}
	}
}

func lookupPlayer(d *Directory, id uint32) *Player {
	if !d.Players.IsUsed(int(id)) {
		return &Player{}
	}
	return *d.Players.Get(int(id))
}

// --- Feed policy: player-list, game-list, and chat broadcast routing. ---

func (s *SessionServer) joinFeeds(playerID uint32, channelID int) {
	if self, ok := s.connByPlayer(playerID); ok {
		s.sendChannel(self, ChannelChange, playerID, uint32(channelID), "")
	}
	if !s.cfg.EnablePlayerList {
		return
	}
	p := lookupPlayer(s.dir, playerID)
	for _, memberID := range s.dir.ChannelMembers(channelID) {
		if memberID == playerID {
			continue
		}
		member, ok := s.connByPlayer(memberID)
		if ok && member.loggedIn && lookupPlayer(s.dir, memberID).WantPlayerList {
			s.sendChannel(member, ChannelPlayerAdd, playerID, uint32(channelID), p.Name)
		}
	}
}

func (s *SessionServer) leaveFeeds(playerID uint32) {
	p := lookupPlayer(s.dir, playerID)
	s.leaveFeedsChannel(playerID, p.ChannelID)
}

func (s *SessionServer) leaveFeedsChannel(playerID uint32, channelID int) {
	if !s.cfg.EnablePlayerList {
		return
	}
	for _, memberID := range s.dir.ChannelMembers(channelID) {
		if memberID == playerID {
			continue
		}
		member, ok := s.connByPlayer(memberID)
		if ok {
			s.sendChannel(member, ChannelPlayerRemove, playerID, uint32(channelID), "")
		}
	}
}

func (s *SessionServer) broadcastChat(channelID int, from uint32, message string) {
	if !s.cfg.NeedMessage {
		return
	}
	for _, memberID := range s.dir.ChannelMembers(channelID) {
		member, ok := s.connByPlayer(memberID)
		if !ok || !lookupPlayer(s.dir, memberID).WantChat {
			continue
		}
		code := ChatBroadcast
		if memberID != from {
			code = ChatFrom
		}
		s.sendChat(member, code, from, message)
	}
}

func (s *SessionServer) sendPM(to, from uint32, message string) {
	member, ok := s.connByPlayer(to)
	if !ok {
		if fromConn, fromOK := s.connByPlayer(from); fromOK {
			s.sendChat(fromConn, ChatPMNotFound, to, "")
		}
		return
	}
	s.sendChat(member, ChatPMFrom, from, message)
}

func (s *SessionServer) broadcastGame(channelID int, code GameCode, gameID uint32, name string, playerID uint32) {
	if !s.cfg.EnableGameList {
		return
	}
	seatEvent := code == GamePlayerJoin || code == GamePlayerLeave
	for _, memberID := range s.dir.ChannelMembers(channelID) {
		member, ok := s.connByPlayer(memberID)
		if !ok {
			continue
		}
		p := lookupPlayer(s.dir, memberID)
		if !p.WantGameList {
			continue
		}
		// A seat event (join/leave) is only worth sending to a game-list
		// subscriber who also follows the player list, or to the player the
		// seat change is actually about.
		if seatEvent && !p.WantPlayerList && memberID != playerID {
			continue
		}
		s.sendGame(member, code, gameID, name, playerID)
	}
}

func (s *SessionServer) connByPlayer(playerID uint32) (*sessionConn, bool) {
	for _, c := range s.conns {
		if c.playerID == playerID && c.loggedIn {
			return c, true
		}
	}
	return nil, false
}

// --- Outbound send helpers. ---

func (s *SessionServer) sendNotify(c *sessionConn, code NotifyCode, playerID uint32) {
	buf := bitstream.NewGrowable()
	_ = s.registry.Encode(buf, &NotifyPacket{Code: code, PlayerID: playerID})
	c.ch.SendMessage(buf.Bytes())
}

func (s *SessionServer) sendChannel(c *sessionConn, code ChannelCode, playerID, channelID uint32, name string) {
	buf := bitstream.NewGrowable()
	_ = s.registry.Encode(buf, &ChannelPacket{Code: code, PlayerID: playerID, ChannelID: channelID, Name: name})
	c.ch.SendMessage(buf.Bytes())
}

func (s *SessionServer) sendChat(c *sessionConn, code ChatCode, playerID uint32, message string) {
	buf := bitstream.NewGrowable()
	_ = s.registry.Encode(buf, &ChatPacket{Code: code, PlayerID: playerID, Message: message})
	c.ch.SendMessage(buf.Bytes())
}

func (s *SessionServer) sendGame(c *sessionConn, code GameCode, gameID uint32, name string, playerID uint32) {
	buf := bitstream.NewGrowable()
	_ = s.registry.Encode(buf, &GamePacket{Code: code, GameID: gameID, Name: name, PlayerID: playerID})
	c.ch.SendMessage(buf.Bytes())
}
