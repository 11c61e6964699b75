// Package lobby implements SessionCore: the player/channel/game directory
// that sits behind the framed stream, plus the account-delegated login
// handshake between the account server and the session server.
package lobby

import (
	"fmt"

	"github.com/sw2proto/lobbyd/internal/bitstream"
	"github.com/sw2proto/lobbyd/internal/wire"
)

// Packet ids, dispatched through a single wire.Registry shared by every
// lobby connection (session clients, and the account<->session link alike).
const (
	PacketIDNotify  uint32 = 1
	PacketIDLogin   uint32 = 2
	PacketIDChannel uint32 = 3
	PacketIDChat    uint32 = 4
	PacketIDGame    uint32 = 5
	PacketIDRequest uint32 = 6
)

// RegistryMagicBits/RegistryMagicValue tag every encoded lobby packet so a
// misrouted raw WebSocket frame (or a stray HTTP client) is rejected at
// Decode rather than silently misparsed.
const (
	RegistryMagicBits  = 32
	RegistryMagicValue = 0xFEED
)

// NewRegistry builds the shared packet registry and registers every lobby
// packet type against its factory.
func NewRegistry() *wire.Registry {
	r := wire.NewRegistry(PacketIDRequest+1, RegistryMagicBits, RegistryMagicValue)
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register(PacketIDNotify, func() wire.Packet { return &NotifyPacket{} }))
	must(r.Register(PacketIDLogin, func() wire.Packet { return &LoginPacket{} }))
	must(r.Register(PacketIDChannel, func() wire.Packet { return &ChannelPacket{} }))
	must(r.Register(PacketIDChat, func() wire.Packet { return &ChatPacket{} }))
	must(r.Register(PacketIDGame, func() wire.Packet { return &GamePacket{} }))
	must(r.Register(PacketIDRequest, func() wire.Packet { return &RequestPacket{} }))
	return r
}

// --- Notify (id 1): server-to-client session-level announcements. ---

type NotifyCode uint32

const (
	NotifyNeedLogin NotifyCode = iota
	NotifyLoginAccepted
	NotifyLoginRejected
	NotifyServerFull
	NotifyVersionMismatch
	NotifyKicked
	NotifyChannelFull
)

const notifyCodeBits = 4
const playerIDBits = 10

type NotifyPacket struct {
	Code     NotifyCode
	PlayerID uint32 // valid iff Code == NotifyLoginAccepted
}

func (p *NotifyPacket) PacketID() uint32 { return PacketIDNotify }

func (p *NotifyPacket) Write(bs *bitstream.BitStream) error {
	if !bs.WriteBits(uint32(p.Code), notifyCodeBits) {
		return fmt.Errorf("lobby: write Notify.Code: overflow")
	}
	if p.Code == NotifyLoginAccepted {
		if !bs.WriteBits(p.PlayerID, playerIDBits) {
			return fmt.Errorf("lobby: write Notify.PlayerID: overflow")
		}
	}
	return nil
}

func (p *NotifyPacket) Read(bs *bitstream.BitStream) error {
	code, ok := bs.ReadBits(notifyCodeBits)
	if !ok {
		return fmt.Errorf("lobby: read Notify.Code: short buffer")
	}
	p.Code = NotifyCode(code)
	p.PlayerID = 0
	if p.Code == NotifyLoginAccepted {
		id, ok := bs.ReadBits(playerIDBits)
		if !ok {
			return fmt.Errorf("lobby: read Notify.PlayerID: short buffer")
		}
		p.PlayerID = id
	}
	return nil
}

// --- Login (id 2): client-to-session-server handshake. ---

const loginTag = "sw2sw"
const versionBits = 7
const loginBlobLenBits = 7
const maxLoginBlobLen = 127

type LoginPacket struct {
	VersionMajor   uint32
	VersionMinor   uint32
	WantPlayerList bool
	WantGameList   bool
	WantChat       bool
	Blob           []byte
}

func (p *LoginPacket) PacketID() uint32 { return PacketIDLogin }

func (p *LoginPacket) Write(bs *bitstream.BitStream) error {
	for i := 0; i < len(loginTag); i++ {
		if !bs.WriteBits(uint32(loginTag[i]), 8) {
			return fmt.Errorf("lobby: write Login tag: overflow")
		}
	}
	if !bs.WriteBits(p.VersionMajor, versionBits) || !bs.WriteBits(p.VersionMinor, versionBits) {
		return fmt.Errorf("lobby: write Login version: overflow")
	}
	if !bs.WriteBool(p.WantPlayerList) || !bs.WriteBool(p.WantGameList) || !bs.WriteBool(p.WantChat) {
		return fmt.Errorf("lobby: write Login flags: overflow")
	}
	if len(p.Blob) > maxLoginBlobLen {
		return fmt.Errorf("lobby: Login blob too long: %d > %d", len(p.Blob), maxLoginBlobLen)
	}
	bs.SetBitCount(loginBlobLenBits)
	if !bs.WriteString(string(p.Blob)) {
		return fmt.Errorf("lobby: write Login blob: overflow")
	}
	return nil
}

func (p *LoginPacket) Read(bs *bitstream.BitStream) error {
	var tag [len(loginTag)]byte
	for i := range tag {
		v, ok := bs.ReadBits(8)
		if !ok {
			return fmt.Errorf("lobby: read Login tag: short buffer")
		}
		tag[i] = byte(v)
	}
	if string(tag[:]) != loginTag {
		return fmt.Errorf("lobby: Login tag mismatch: got %q", tag)
	}
	major, ok := bs.ReadBits(versionBits)
	if !ok {
		return fmt.Errorf("lobby: read Login.VersionMajor: short buffer")
	}
	minor, ok := bs.ReadBits(versionBits)
	if !ok {
		return fmt.Errorf("lobby: read Login.VersionMinor: short buffer")
	}
	p.VersionMajor, p.VersionMinor = major, minor

	wantPlayers, ok := bs.ReadBool()
	if !ok {
		return fmt.Errorf("lobby: read Login.WantPlayerList: short buffer")
	}
	wantGames, ok := bs.ReadBool()
	if !ok {
		return fmt.Errorf("lobby: read Login.WantGameList: short buffer")
	}
	wantChat, ok := bs.ReadBool()
	if !ok {
		return fmt.Errorf("lobby: read Login.WantChat: short buffer")
	}
	p.WantPlayerList, p.WantGameList, p.WantChat = wantPlayers, wantGames, wantChat

	bs.SetBitCount(loginBlobLenBits)
	blob, ok := bs.ReadString()
	if !ok {
		return fmt.Errorf("lobby: read Login.Blob: short buffer")
	}
	p.Blob = []byte(blob)
	return nil
}

// --- Channel (id 3): player-list feed and channel membership changes. ---

type ChannelCode uint32

const (
	ChannelPlayerAdd ChannelCode = iota
	ChannelPlayerRemove
	ChannelChange
)

const channelCodeBits = 2
const channelIDBits = 4

type ChannelPacket struct {
	Code      ChannelCode
	PlayerID  uint32
	ChannelID uint32
	Name      string // valid iff Code == ChannelPlayerAdd
}

func (p *ChannelPacket) PacketID() uint32 { return PacketIDChannel }

func (p *ChannelPacket) Write(bs *bitstream.BitStream) error {
	if !bs.WriteBits(uint32(p.Code), channelCodeBits) {
		return fmt.Errorf("lobby: write Channel.Code: overflow")
	}
	if !bs.WriteBits(p.PlayerID, playerIDBits) {
		return fmt.Errorf("lobby: write Channel.PlayerID: overflow")
	}
	if !bs.WriteBits(p.ChannelID, channelIDBits) {
		return fmt.Errorf("lobby: write Channel.ChannelID: overflow")
	}
	if p.Code == ChannelPlayerAdd {
		if !bs.WriteString(p.Name) {
			return fmt.Errorf("lobby: write Channel.Name: overflow")
		}
	}
	return nil
}

func (p *ChannelPacket) Read(bs *bitstream.BitStream) error {
	code, ok := bs.ReadBits(channelCodeBits)
	if !ok {
		return fmt.Errorf("lobby: read Channel.Code: short buffer")
	}
	p.Code = ChannelCode(code)

	playerID, ok := bs.ReadBits(playerIDBits)
	if !ok {
		return fmt.Errorf("lobby: read Channel.PlayerID: short buffer")
	}
	p.PlayerID = playerID

	channelID, ok := bs.ReadBits(channelIDBits)
	if !ok {
		return fmt.Errorf("lobby: read Channel.ChannelID: short buffer")
	}
	p.ChannelID = channelID

	p.Name = ""
	if p.Code == ChannelPlayerAdd {
		name, ok := bs.ReadString()
		if !ok {
			return fmt.Errorf("lobby: read Channel.Name: short buffer")
		}
		p.Name = name
	}
	return nil
}

// --- Chat (id 4): channel broadcast and private messages. ---

type ChatCode uint32

const (
	ChatBroadcast ChatCode = iota
	ChatFrom
	ChatPMFrom
	ChatPMTo
	ChatPMNotFound
)

const chatCodeBits = 3

type ChatPacket struct {
	Code     ChatCode
	PlayerID uint32
	Message  string
}

func (p *ChatPacket) PacketID() uint32 { return PacketIDChat }

func (p *ChatPacket) Write(bs *bitstream.BitStream) error {
	if !bs.WriteBits(uint32(p.Code), chatCodeBits) {
		return fmt.Errorf("lobby: write Chat.Code: overflow")
	}
	if !bs.WriteBits(p.PlayerID, playerIDBits) {
		return fmt.Errorf("lobby: write Chat.PlayerID: overflow")
	}
	if !bs.WriteString(p.Message) {
		return fmt.Errorf("lobby: write Chat.Message: overflow")
	}
	return nil
}

func (p *ChatPacket) Read(bs *bitstream.BitStream) error {
	code, ok := bs.ReadBits(chatCodeBits)
	if !ok {
		return fmt.Errorf("lobby: read Chat.Code: short buffer")
	}
	p.Code = ChatCode(code)

	playerID, ok := bs.ReadBits(playerIDBits)
	if !ok {
		return fmt.Errorf("lobby: read Chat.PlayerID: short buffer")
	}
	p.PlayerID = playerID

	msg, ok := bs.ReadString()
	if !ok {
		return fmt.Errorf("lobby: read Chat.Message: short buffer")
	}
	p.Message = msg
	return nil
}

// --- Game (id 5): game-list feed and lifecycle. ---

type GameCode uint32

const (
	GameNew GameCode = iota
	GameJoin
	GameQuit
	GameAdd
	GameRemove
	GamePlayerJoin
	GamePlayerLeave
	GameNotFound
)

const gameCodeBits = 4
const gameIDBits = 10

type GamePacket struct {
	Code     GameCode
	GameID   uint32
	Name     string // valid iff Code == GameNew or GameAdd
	PlayerID uint32
}

func (p *GamePacket) PacketID() uint32 { return PacketIDGame }

func (p *GamePacket) Write(bs *bitstream.BitStream) error {
	if !bs.WriteBits(uint32(p.Code), gameCodeBits) {
		return fmt.Errorf("lobby: write Game.Code: overflow")
	}
	if !bs.WriteBits(p.GameID, gameIDBits) {
		return fmt.Errorf("lobby: write Game.GameID: overflow")
	}
	if !bs.WriteBits(p.PlayerID, playerIDBits) {
		return fmt.Errorf("lobby: write Game.PlayerID: overflow")
	}
	if p.Code == GameNew || p.Code == GameAdd {
		if !bs.WriteString(p.Name) {
			return fmt.Errorf("lobby: write Game.Name: overflow")
		}
	}
	return nil
}

func (p *GamePacket) Read(bs *bitstream.BitStream) error {
	code, ok := bs.ReadBits(gameCodeBits)
	if !ok {
		return fmt.Errorf("lobby: read Game.Code: short buffer")
	}
	p.Code = GameCode(code)

	gameID, ok := bs.ReadBits(gameIDBits)
	if !ok {
		return fmt.Errorf("lobby: read Game.GameID: short buffer")
	}
	p.GameID = gameID

	playerID, ok := bs.ReadBits(playerIDBits)
	if !ok {
		return fmt.Errorf("lobby: read Game.PlayerID: short buffer")
	}
	p.PlayerID = playerID

	p.Name = ""
	if p.Code == GameNew || p.Code == GameAdd {
		name, ok := bs.ReadString()
		if !ok {
			return fmt.Errorf("lobby: read Game.Name: short buffer")
		}
		p.Name = name
	}
	return nil
}

// --- Request (id 6): account server <-> session server login delegation. ---

type RequestCode uint32

const (
	RequestLogin RequestCode = iota
	RequestLogout
	RequestAuthFail
	RequestDuplicate
	RequestNotAllowed
	RequestNotLogin
)

const requestCodeBits = 3
const requestTickBits = 32

type RequestPacket struct {
	Code     RequestCode
	PlayerID uint32
	Tick     uint32
	Blob     []byte
}

func (p *RequestPacket) PacketID() uint32 { return PacketIDRequest }

func (p *RequestPacket) Write(bs *bitstream.BitStream) error {
	if !bs.WriteBits(uint32(p.Code), requestCodeBits) {
		return fmt.Errorf("lobby: write Request.Code: overflow")
	}
	if !bs.WriteBits(p.PlayerID, playerIDBits) {
		return fmt.Errorf("lobby: write Request.PlayerID: overflow")
	}
	if !bs.WriteBits(p.Tick, requestTickBits) {
		return fmt.Errorf("lobby: write Request.Tick: overflow")
	}
	if len(p.Blob) > maxLoginBlobLen {
		return fmt.Errorf("lobby: Request blob too long: %d > %d", len(p.Blob), maxLoginBlobLen)
	}
	bs.SetBitCount(loginBlobLenBits)
	if !bs.WriteString(string(p.Blob)) {
		return fmt.Errorf("lobby: write Request.Blob: overflow")
	}
	return nil
}

func (p *RequestPacket) Read(bs *bitstream.BitStream) error {
	code, ok := bs.ReadBits(requestCodeBits)
	if !ok {
		return fmt.Errorf("lobby: read Request.Code: short buffer")
	}
	p.Code = RequestCode(code)

	playerID, ok := bs.ReadBits(playerIDBits)
	if !ok {
		return fmt.Errorf("lobby: read Request.PlayerID: short buffer")
	}
	p.PlayerID = playerID

	tick, ok := bs.ReadBits(requestTickBits)
	if !ok {
		return fmt.Errorf("lobby: read Request.Tick: short buffer")
	}
	p.Tick = tick

	bs.SetBitCount(loginBlobLenBits)
	blob, ok := bs.ReadString()
	if !ok {
		return fmt.Errorf("lobby: read Request.Blob: short buffer")
	}
	p.Blob = []byte(blob)
	return nil
}
