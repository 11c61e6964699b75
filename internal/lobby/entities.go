package lobby

import (
	"github.com/sw2proto/lobbyd/internal/pool"
)

// Player is one logged-in session client's directory entry. Its pool index
// doubles as the 10-bit PlayerID carried on the wire.
type Player struct {
	Name           string
	ChannelID      int
	GameID         uint32 // 0 means "not in a game"
	WantPlayerList bool
	WantGameList   bool
	WantChat       bool
}

// Game is one registered game's directory entry. Its pool index doubles as
// the 10-bit GameID carried on the wire.
type Game struct {
	Name         string
	HostPlayerID uint32
	Members      map[uint32]struct{}
}

// channel is an in-memory membership set; channels are identified by their
// slice position (0..MaxChannel-1), never pool-allocated since the count is
// fixed by config at startup.
type channel struct {
	members map[uint32]struct{}
}

// Directory is SessionServer's player/game/channel table.
type Directory struct {
	Players *pool.Pool[*Player]
	Games   *pool.Pool[*Game]

	channels         []channel
	maxChannelPlayer int
}

// NewDirectory builds a Directory sized from config: maxPlayer/maxGame are
// pool capacities, maxChannel is the fixed channel count, maxChannelPlayer
// caps members per channel (0 disables the cap).
func NewDirectory(maxPlayer, maxChannel, maxChannelPlayer, maxGame int) *Directory {
	channels := make([]channel, maxChannel)
	for i := range channels {
		channels[i] = channel{members: make(map[uint32]struct{})}
	}
	return &Directory{
		Players:          pool.NewFixed[*Player](maxPlayer),
		Games:            pool.NewFixed[*Game](maxGame),
		channels:         channels,
		maxChannelPlayer: maxChannelPlayer,
	}
}

// AddPlayer allocates a Player, places it in the channel with the fewest
// members, and returns its id. ok is false if the player pool is full or
// every channel is already at maxChannelPlayer.
func (d *Directory) AddPlayer(name string, wantPlayerList, wantGameList, wantChat bool) (id uint32, channelID int, ok bool) {
	target := d.fewestChannel()
	if target < 0 {
		return 0, 0, false
	}
	i, allocated := d.Players.Alloc()
	if !allocated {
		return 0, 0, false
	}
	*d.Players.Get(i) = &Player{
		Name:           name,
		ChannelID:      target,
		WantPlayerList: wantPlayerList,
		WantGameList:   wantGameList,
		WantChat:       wantChat,
	}
	d.channels[target].members[uint32(i)] = struct{}{}
	return uint32(i), target, true
}

// RemovePlayer frees id's Player and game/channel membership. A no-op if
// id was never allocated.
func (d *Directory) RemovePlayer(id uint32) {
	if !d.Players.IsUsed(int(id)) {
		return
	}
	p := *d.Players.Get(int(id))
	delete(d.channels[p.ChannelID].members, id)
	if p.GameID != 0 {
		d.QuitGame(p.GameID, id)
	}
	d.Players.Free(int(id))
}

// fewestChannel returns the channel index with the fewest members under
// maxChannelPlayer, or -1 if every channel is full.
func (d *Directory) fewestChannel() int {
	best := -1
	bestCount := -1
	for i, c := range d.channels {
		if d.maxChannelPlayer > 0 && len(c.members) >= d.maxChannelPlayer {
			continue
		}
		if bestCount == -1 || len(c.members) < bestCount {
			best, bestCount = i, len(c.members)
		}
	}
	return best
}

// ValidChannel reports whether channelID names one of this Directory's
// fixed channel slots.
func (d *Directory) ValidChannel(channelID int) bool {
	return channelID >= 0 && channelID < len(d.channels)
}

// SwitchChannel moves a logged-in player to newChannelID, failing if that
// channel is already at capacity.
func (d *Directory) SwitchChannel(playerID uint32, newChannelID int) bool {
	if !d.Players.IsUsed(int(playerID)) {
		return false
	}
	if !d.ValidChannel(newChannelID) {
		return false
	}
	target := &d.channels[newChannelID]
	if d.maxChannelPlayer > 0 && len(target.members) >= d.maxChannelPlayer {
		return false
	}
	p := *d.Players.Get(int(playerID))
	delete(d.channels[p.ChannelID].members, playerID)
	p.ChannelID = newChannelID
	target.members[playerID] = struct{}{}
	return true
}

// ChannelMembers returns the player ids currently in channelID.
func (d *Directory) ChannelMembers(channelID int) []uint32 {
	if channelID < 0 || channelID >= len(d.channels) {
		return nil
	}
	out := make([]uint32, 0, len(d.channels[channelID].members))
	for id := range d.channels[channelID].members {
		out = append(out, id)
	}
	return out
}

// NewGame registers a game hosted by hostPlayerID in the same channel.
func (d *Directory) NewGame(hostPlayerID uint32, name string) (id uint32, ok bool) {
	if !d.Players.IsUsed(int(hostPlayerID)) {
		return 0, false
	}
	i, allocated := d.Games.Alloc()
	if !allocated {
		return 0, false
	}
	*d.Games.Get(i) = &Game{
		Name:         name,
		HostPlayerID: hostPlayerID,
		Members:      map[uint32]struct{}{hostPlayerID: {}},
	}
	(*d.Players.Get(int(hostPlayerID))).GameID = uint32(i)
	return uint32(i), true
}

// JoinGame adds playerID to gameID's member set.
func (d *Directory) JoinGame(gameID, playerID uint32) bool {
	if !d.Games.IsUsed(int(gameID)) || !d.Players.IsUsed(int(playerID)) {
		return false
	}
	g := *d.Games.Get(int(gameID))
	g.Members[playerID] = struct{}{}
	(*d.Players.Get(int(playerID))).GameID = gameID
	return true
}

// QuitGame removes playerID from gameID. The game itself is torn down once
// its last member leaves.
func (d *Directory) QuitGame(gameID, playerID uint32) bool {
	if !d.Games.IsUsed(int(gameID)) {
		return false
	}
	g := *d.Games.Get(int(gameID))
	delete(g.Members, playerID)
	if d.Players.IsUsed(int(playerID)) {
		(*d.Players.Get(int(playerID))).GameID = 0
	}
	if len(g.Members) == 0 {
		d.Games.Free(int(gameID))
	}
	return true
}
