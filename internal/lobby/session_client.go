package lobby

import (
	"fmt"
	"net"
	"time"

	"github.com/sw2proto/lobbyd/internal/bitstream"
	"github.com/sw2proto/lobbyd/internal/clock"
	"github.com/sw2proto/lobbyd/internal/framing"
	"github.com/sw2proto/lobbyd/internal/netio"
	"github.com/sw2proto/lobbyd/internal/stage"
	"github.com/sw2proto/lobbyd/internal/wire"
)

const connectTimeout = 12 * time.Second

// ClientPlayer and ClientGame are the local mirrors SessionClient keeps of
// whatever the server's feeds have told it about; they are wiped whenever
// the client leaves its current channel, since the feed subscription is
// channel-scoped on the server side.
type ClientPlayer struct {
	ID   uint32
	Name string
}

type ClientGame struct {
	ID           uint32
	Name         string
	HostPlayerID uint32
}

// SessionClient is the embeddable client-side half of SessionCore: it owns
// one outbound connection to a SessionServer, carries the player through
// the login handshake, and mirrors the player-list/game-list feeds the
// server pushes once subscribed.
type SessionClient struct {
	clk          clock.Source
	registry     *wire.Registry
	stack        *stage.Stack[*SessionClient]
	versionMajor uint32
	versionMinor uint32

	addr string
	ep   *netio.Endpoint
	ch   *framing.PacketChannel

	PlayerID  uint32
	ChannelID int
	LoggedIn  bool

	Players map[uint32]ClientPlayer
	Games   map[uint32]ClientGame

	OnServerReady func()
	OnLoginResult func(accepted bool, code NotifyCode)
	OnPlayerJoin  func(p ClientPlayer)
	OnPlayerLeave func(playerID uint32)
	OnGameEvent   func(code GameCode, game ClientGame, playerID uint32)
	OnChat        func(code ChatCode, playerID uint32, message string)
	OnDisconnect  func()
}

// NewSessionClient builds a client that announces (versionMajor,
// versionMinor) in its Login; the SessionServer it connects to does the
// version check.
func NewSessionClient(clk clock.Source, versionMajor, versionMinor uint32) *SessionClient {
	c := &SessionClient{
		clk:          clk,
		registry:     NewRegistry(),
		versionMajor: versionMajor,
		versionMinor: versionMinor,
		Players:      make(map[uint32]ClientPlayer),
		Games:        make(map[uint32]ClientGame),
	}
	c.stack = stage.New(c)
	c.stack.Push(disconnectedState{})
	return c
}

// State reports the client's current lifecycle stage, for logging.
func (c *SessionClient) State() string {
	if top := c.stack.Top(); top != nil {
		return fmt.Sprintf("%T", top)
	}
	return "Disconnected"
}

// Connect begins a bounded dial to addr. A connect-in-progress dial is a
// one-time setup action bounded by connectTimeout, not a per-tick
// operation, so a blocking net.DialTimeout here does not reintroduce
// blocking I/O into the tick loop.
func (c *SessionClient) Connect(addr string) {
	c.addr = addr
	c.stack.PopAndPush(connectingState{}, c.stack.Depth())
}

// Tick drives the connection's framing timers. A no-op while disconnected.
func (c *SessionClient) Tick() error {
	if c.ep == nil {
		return nil
	}
	if err := c.ep.Tick(); err != nil {
		return err
	}
	if c.ch != nil {
		c.ch.Tick()
	}
	if c.ep.State() == netio.StateClosed {
		c.teardown()
	}
	return nil
}

func (c *SessionClient) teardown() {
	c.ep = nil
	c.ch = nil
	c.LoggedIn = false
	c.clearChannelMirror()
	if _, ok := c.stack.Top().(disconnectedState); !ok {
		c.stack.PopAndPush(disconnectedState{}, c.stack.Depth())
	}
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
}

func (c *SessionClient) clearChannelMirror() {
	c.Players = make(map[uint32]ClientPlayer)
	c.Games = make(map[uint32]ClientGame)
}

// Disconnect begins an orderly close: queued sends drain before the socket closes.
func (c *SessionClient) Disconnect() {
	if c.ep == nil {
		return
	}
	c.stack.PopAndPush(disconnectingState{}, c.stack.Depth())
	c.ep.Disconnect(true)
}

// --- stage.State implementations. ---

type disconnectedState struct{}

func (disconnectedState) Enter(*SessionClient, stage.Notification, any) {}

type connectingState struct{}

func (connectingState) Enter(c *SessionClient, n stage.Notification, _ any) {
	if n != stage.Join {
		return
	}
	conn, err := net.DialTimeout("tcp", c.addr, connectTimeout)
	if err != nil {
		c.stack.PopAndPush(disconnectedState{}, c.stack.Depth())
		return
	}
	c.ep = netio.NewEndpoint(conn)
	c.ep.MarkOpen()
	c.ch = framing.New(c.ep, c.clk, c.handleMessage, nil)
	c.stack.PopAndPush(connectedState{}, c.stack.Depth())
}

type connectedState struct{}

func (connectedState) Enter(c *SessionClient, n stage.Notification, _ any) {
	if n == stage.Join && c.OnServerReady != nil {
		c.OnServerReady()
	}
}

type disconnectingState struct{}

func (disconnectingState) Enter(*SessionClient, stage.Notification, any) {}

// --- Outbound requests. ---

// Login sends the version/feed-subscription handshake. The server replies
// with a Notify packet accepting or rejecting it.
func (c *SessionClient) Login(blob []byte, wantPlayerList, wantGameList, wantChat bool) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &LoginPacket{
		VersionMajor:   c.versionMajor,
		VersionMinor:   c.versionMinor,
		WantPlayerList: wantPlayerList,
		WantGameList:   wantGameList,
		WantChat:       wantChat,
		Blob:           blob,
	})
	c.ch.SendMessage(buf.Bytes())
}

// SwitchChannel asks the server to move the player to channelID.
func (c *SessionClient) SwitchChannel(channelID uint32) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &ChannelPacket{Code: ChannelChange, PlayerID: c.PlayerID, ChannelID: channelID})
	c.ch.SendMessage(buf.Bytes())
	c.clearChannelMirror()
}

// SendChat broadcasts message to the player's current channel.
func (c *SessionClient) SendChat(message string) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &ChatPacket{Code: ChatBroadcast, PlayerID: c.PlayerID, Message: message})
	c.ch.SendMessage(buf.Bytes())
}

// SendPM sends a private message to playerID.
func (c *SessionClient) SendPM(playerID uint32, message string) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &ChatPacket{Code: ChatPMTo, PlayerID: playerID, Message: message})
	c.ch.SendMessage(buf.Bytes())
}

// NewGame asks the server to register a new game hosted by this player.
func (c *SessionClient) NewGame(name string) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &GamePacket{Code: GameNew, Name: name, PlayerID: c.PlayerID})
	c.ch.SendMessage(buf.Bytes())
}

// JoinGame asks to join an existing game.
func (c *SessionClient) JoinGame(gameID uint32) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &GamePacket{Code: GameJoin, GameID: gameID, PlayerID: c.PlayerID})
	c.ch.SendMessage(buf.Bytes())
}

// QuitGame leaves gameID.
func (c *SessionClient) QuitGame(gameID uint32) {
	buf := bitstream.NewGrowable()
	_ = c.registry.Encode(buf, &GamePacket{Code: GameQuit, GameID: gameID, PlayerID: c.PlayerID})
	c.ch.SendMessage(buf.Bytes())
}

// --- Inbound dispatch. ---

func (c *SessionClient) handleMessage(payload []byte) {
	bs := bitstream.NewFixed(payload)
	pkt, err := c.registry.Decode(bs)
	if err != nil {
		return
	}
	defer c.registry.FreePacket(pkt)

	switch p := pkt.(type) {
	case *NotifyPacket:
		c.handleNotify(p)
	case *ChannelPacket:
		c.handleChannel(p)
	case *ChatPacket:
		if c.OnChat != nil {
			c.OnChat(p.Code, p.PlayerID, p.Message)
		}
	case *GamePacket:
		c.handleGame(p)
	}
}

func (c *SessionClient) handleNotify(p *NotifyPacket) {
	switch p.Code {
	case NotifyLoginAccepted:
		c.PlayerID = p.PlayerID
		c.LoggedIn = true
	case NotifyLoginRejected, NotifyServerFull, NotifyVersionMismatch, NotifyKicked:
		c.LoggedIn = false
	}
	if c.OnLoginResult != nil && (p.Code == NotifyLoginAccepted || p.Code == NotifyLoginRejected ||
		p.Code == NotifyServerFull || p.Code == NotifyVersionMismatch) {
		c.OnLoginResult(p.Code == NotifyLoginAccepted, p.Code)
	}
}

func (c *SessionClient) handleChannel(p *ChannelPacket) {
	switch p.Code {
	case ChannelPlayerAdd:
		cp := ClientPlayer{ID: p.PlayerID, Name: p.Name}
		c.Players[p.PlayerID] = cp
		if c.OnPlayerJoin != nil {
			c.OnPlayerJoin(cp)
		}
	case ChannelPlayerRemove:
		delete(c.Players, p.PlayerID)
		if c.OnPlayerLeave != nil {
			c.OnPlayerLeave(p.PlayerID)
		}
	case ChannelChange:
		if p.PlayerID == c.PlayerID {
			c.ChannelID = int(p.ChannelID)
			c.clearChannelMirror()
		}
	}
}

func (c *SessionClient) handleGame(p *GamePacket) {
	switch p.Code {
	case GameAdd:
		c.Games[p.GameID] = ClientGame{ID: p.GameID, Name: p.Name}
	case GameRemove:
		delete(c.Games, p.GameID)
	}
	if c.OnGameEvent != nil {
		c.OnGameEvent(p.Code, c.Games[p.GameID], p.PlayerID)
	}
}
