package lobby

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sw2proto/lobbyd/internal/clock"
	"github.com/sw2proto/lobbyd/internal/config"
)

func newTestSessionServer(t *testing.T) (*SessionServer, *clock.Manual) {
	return newTestSessionServerWithChannels(t, 2)
}

func newTestSessionServerWithChannels(t *testing.T, maxChannel int) (*SessionServer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(0)
	cfg := config.Default()
	cfg.AddrListen = "127.0.0.1:0"
	cfg.AddrAccount = ""
	cfg.MaxChannel = maxChannel
	cfg.MaxChannelPlayer = 0
	cfg.VersionMajor, cfg.VersionMinor = 1, 0
	cfg.NeedMessage = true

	s, err := NewSessionServer(cfg, clk)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Addr())
	return s, clk
}

func newTestSessionClient(clk *clock.Manual) *SessionClient {
	return NewSessionClient(clk, 1, 0)
}

func pumpAll(t *testing.T, s *SessionServer, clients []*SessionClient, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = s.Tick()
		for _, c := range clients {
			_ = c.Tick()
		}
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func TestSessionServerLoginWithoutAccountServer(t *testing.T) {
	s, clk := newTestSessionServer(t)
	c := newTestSessionClient(clk)

	ready := false
	c.OnServerReady = func() { ready = true }
	c.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{c}, func() bool { return ready })

	var accepted bool
	c.OnLoginResult = func(ok bool, code NotifyCode) { accepted = ok }
	c.Login(nil, true, true, true)

	pumpAll(t, s, []*SessionClient{c}, func() bool { return accepted })
	require.True(t, c.LoggedIn)
	require.Equal(t, uint32(0), c.PlayerID, "the first player takes pool index 0")
}

func TestSessionServerVersionMismatchRejectsClient(t *testing.T) {
	s, clk := newTestSessionServer(t)
	c := NewSessionClient(clk, 9, 9)

	c.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{c}, func() bool { return c.ch != nil })

	var code NotifyCode
	done := false
	c.OnLoginResult = func(ok bool, gotCode NotifyCode) { code = gotCode; done = true }
	c.Login(nil, true, true, true)

	pumpAll(t, s, []*SessionClient{c}, func() bool { return done })
	require.Equal(t, NotifyVersionMismatch, code)
}

func TestSessionServerChannelFeedNotifiesExistingMembers(t *testing.T) {
	s, clk := newTestSessionServer(t)
	a := newTestSessionClient(clk)
	b := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	joinedName := ""
	a.OnPlayerJoin = func(p ClientPlayer) { joinedName = p.Name }

	b.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.ch != nil })
	b.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.LoggedIn })

	// Channels are placed by fewest-members; force b into a's channel so the
	// feed notification is exercised (a 2-channel directory may have split them).
	if a.ChannelID != b.ChannelID {
		b.SwitchChannel(uint32(a.ChannelID))
		pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.ChannelID == a.ChannelID })
	}

	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return joinedName != "" })
}

func TestSessionServerChatBroadcastWithinChannel(t *testing.T) {
	s, clk := newTestSessionServerWithChannels(t, 1) // force both clients into the same channel
	a := newTestSessionClient(clk)
	b := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	b.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.ch != nil })
	b.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.LoggedIn })

	var received string
	b.OnChat = func(code ChatCode, playerID uint32, message string) {
		if code == ChatFrom {
			received = message
		}
	}
	a.SendChat("hello lobby")
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return received != "" })
	require.Equal(t, "hello lobby", received)
}

func TestSessionServerGameLifecycleBroadcasts(t *testing.T) {
	s, clk := newTestSessionServerWithChannels(t, 1)
	a := newTestSessionClient(clk)
	b := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	b.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.ch != nil })
	b.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.LoggedIn })

	var added uint32
	var joinedSeatPlayer uint32
	var sawAdd, sawJoin bool
	b.OnGameEvent = func(code GameCode, game ClientGame, playerID uint32) {
		switch code {
		case GameAdd:
			added = game.ID
			sawAdd = true
		case GamePlayerJoin:
			joinedSeatPlayer = playerID
			sawJoin = true
		}
	}
	a.NewGame("Arena")
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return sawAdd && sawJoin })
	require.Contains(t, b.Games, added)
	require.Equal(t, a.PlayerID, joinedSeatPlayer, "game creation must broadcast PLAYER_JOIN for the creator's own seat, not just GAME_ADD")
}

func newLinkedServers(t *testing.T) (*AccountServer, *SessionServer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(0)

	accCfg := config.Default()
	accCfg.AddrAccount = "127.0.0.1:0"
	accCfg.VersionMajor, accCfg.VersionMinor = 1, 0
	acc, err := NewAccountServer(accCfg, clk)
	require.NoError(t, err)

	sesCfg := config.Default()
	sesCfg.AddrListen = "127.0.0.1:0"
	sesCfg.AddrAccount = acc.Addr()
	sesCfg.MaxChannel = 2
	sesCfg.MaxChannelPlayer = 0
	sesCfg.VersionMajor, sesCfg.VersionMinor = 1, 0
	ses, err := NewSessionServer(sesCfg, clk)
	require.NoError(t, err)
	require.NoError(t, ses.Start())

	require.Eventually(t, func() bool {
		_ = acc.Tick()
		_ = ses.Tick()
		return ses.Addr() != "" && acc.LinkCount() == 1
	}, 2*time.Second, time.Millisecond)

	return acc, ses, clk
}

func TestSessionServerDelegatedLoginAndLogoutRoundTrip(t *testing.T) {
	acc, ses, clk := newLinkedServers(t)
	acc.OnRequestPlayerLogin = func(ticket VerificationTicket, blob []byte) {
		acc.ReplyPlayerLogin(ticket, true)
	}

	c := newTestSessionClient(clk)
	c.Connect(ses.Addr())
	pumpAccountLinked(t, acc, ses, []*SessionClient{c}, func() bool { return c.ch != nil })

	var accepted bool
	c.OnLoginResult = func(ok bool, code NotifyCode) { accepted = ok }
	c.Login(nil, true, true, true)
	pumpAccountLinked(t, acc, ses, []*SessionClient{c}, func() bool { return accepted })
	require.True(t, c.LoggedIn)
	require.Equal(t, 1, ses.PlayersOnline())

	disconnected := false
	c.OnDisconnect = func() { disconnected = true }
	c.Disconnect()
	pumpAccountLinked(t, acc, ses, []*SessionClient{c}, func() bool {
		return disconnected && ses.PlayersOnline() == 0
	})
}

func TestSessionServerLoginTicketTimesOutWithoutAccountReply(t *testing.T) {
	acc, ses, clk := newLinkedServers(t)
	// No OnRequestPlayerLogin handler installed: the account server parks the
	// ticket and never answers, so the session server must give up on its own.

	c := newTestSessionClient(clk)
	c.Connect(ses.Addr())
	pumpAccountLinked(t, acc, ses, []*SessionClient{c}, func() bool { return c.ch != nil })

	c.Login(nil, true, true, true)
	pumpAccountLinked(t, acc, ses, []*SessionClient{c}, func() bool { return ses.PlayersOnline() == 1 })

	clk.Advance(ticketTimeoutMillis + 1)
	pumpAccountLinked(t, acc, ses, []*SessionClient{c}, func() bool { return ses.PlayersOnline() == 0 })
	require.False(t, c.LoggedIn)
}

func pumpAccountLinked(t *testing.T, acc *AccountServer, ses *SessionServer, clients []*SessionClient, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = acc.Tick()
		_ = ses.Tick()
		for _, c := range clients {
			_ = c.Tick()
		}
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func TestSessionServerGameSeatEventsGatedByPlayerListOrSelf(t *testing.T) {
	s, clk := newTestSessionServerWithChannels(t, 1)
	creator := newTestSessionClient(clk)
	bystander := newTestSessionClient(clk) // wants game list, not player list
	watcher := newTestSessionClient(clk)    // wants both

	creator.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{creator}, func() bool { return creator.ch != nil })
	creator.Login(nil, false /* wantPlayerList */, true, true)
	pumpAll(t, s, []*SessionClient{creator}, func() bool { return creator.LoggedIn })

	bystander.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{creator, bystander}, func() bool { return bystander.ch != nil })
	bystander.Login(nil, false /* wantPlayerList */, true, true)
	pumpAll(t, s, []*SessionClient{creator, bystander}, func() bool { return bystander.LoggedIn })

	watcher.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{creator, bystander, watcher}, func() bool { return watcher.ch != nil })
	watcher.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{creator, bystander, watcher}, func() bool { return watcher.LoggedIn })

	var creatorSawJoin, bystanderSawJoin, watcherSawJoin bool
	var bystanderSawAdd bool
	creator.OnGameEvent = func(code GameCode, game ClientGame, playerID uint32) {
		if code == GamePlayerJoin {
			creatorSawJoin = true
		}
	}
	bystander.OnGameEvent = func(code GameCode, game ClientGame, playerID uint32) {
		if code == GameAdd {
			bystanderSawAdd = true
		}
		if code == GamePlayerJoin {
			bystanderSawJoin = true
		}
	}
	watcher.OnGameEvent = func(code GameCode, game ClientGame, playerID uint32) {
		if code == GamePlayerJoin {
			watcherSawJoin = true
		}
	}

	creator.NewGame("Arena")
	// The creator (the affected player) and the full-subscriber watcher must
	// see the seat event; the game-list-only bystander must see GAME_ADD but
	// not the seat event, since it never subscribed to the player list.
	pumpAll(t, s, []*SessionClient{creator, bystander, watcher}, func() bool {
		return creatorSawJoin && watcherSawJoin && bystanderSawAdd
	})
	require.False(t, bystanderSawJoin, "a WantGameList-only subscriber must not receive seat events for another player")
}

func TestSessionServerChannelSwitchNotifiesFullChannel(t *testing.T) {
	s, clk := newTestSessionServer(t)
	s.cfg.MaxChannel = 2
	s.cfg.MaxChannelPlayer = 1
	s.dir = NewDirectory(s.cfg.MaxPlayer, s.cfg.MaxChannel, s.cfg.MaxChannelPlayer, s.cfg.MaxPlayer)
	a := newTestSessionClient(clk)
	b := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	b.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.ch != nil })
	b.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a, b}, func() bool { return b.LoggedIn })

	// With a one-player cap per channel and two channels, a and b land in
	// separate channels; b's switch into a's channel must be rejected rather
	// than silently applied or treated as a protocol violation.
	require.NotEqual(t, a.ChannelID, b.ChannelID)

	disconnected := false
	b.OnDisconnect = func() { disconnected = true }
	prevChannel := b.ChannelID
	b.SwitchChannel(uint32(a.ChannelID))

	for i := 0; i < 20; i++ {
		_ = s.Tick()
		_ = a.Tick()
		_ = b.Tick()
	}
	require.Equal(t, prevChannel, b.ChannelID, "a full target channel must reject the switch, not silently move the player")
	require.False(t, disconnected, "a full target channel is a capacity rejection, not a protocol violation")
}

func TestSessionServerChannelSwitchDisconnectsOnProtocolViolation(t *testing.T) {
	s, clk := newTestSessionServerWithChannels(t, 1)
	a := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	disconnected := false
	a.OnDisconnect = func() { disconnected = true }
	// Only one channel exists, so switching to it is switching to the
	// player's own current channel: a protocol violation per the original's
	// changeChannel() guard.
	a.SwitchChannel(uint32(a.ChannelID))
	pumpAll(t, s, []*SessionClient{a}, func() bool { return disconnected })
}

func TestSessionServerChannelSwitchDisconnectsWhenInGame(t *testing.T) {
	s, clk := newTestSessionServerWithChannels(t, 2)
	a := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	var added bool
	a.OnGameEvent = func(code GameCode, game ClientGame, playerID uint32) {
		if code == GameAdd {
			added = true
		}
	}
	a.NewGame("Arena")
	pumpAll(t, s, []*SessionClient{a}, func() bool { return added })

	disconnected := false
	a.OnDisconnect = func() { disconnected = true }
	other := 1 - a.ChannelID
	a.SwitchChannel(uint32(other))
	pumpAll(t, s, []*SessionClient{a}, func() bool { return disconnected })
}

func TestSessionServerChannelSwitchDisconnectsWhenChannelModeDisabled(t *testing.T) {
	s, clk := newTestSessionServerWithChannels(t, 2)
	s.cfg.EnableChannel = false
	a := newTestSessionClient(clk)

	a.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.ch != nil })
	a.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{a}, func() bool { return a.LoggedIn })

	disconnected := false
	a.OnDisconnect = func() { disconnected = true }
	other := 1 - a.ChannelID
	a.SwitchChannel(uint32(other))
	pumpAll(t, s, []*SessionClient{a}, func() bool { return disconnected })
}

func TestSessionClientDisconnectClearsState(t *testing.T) {
	s, clk := newTestSessionServer(t)
	c := newTestSessionClient(clk)
	c.Connect(s.Addr())
	pumpAll(t, s, []*SessionClient{c}, func() bool { return c.ch != nil })
	c.Login(nil, true, true, true)
	pumpAll(t, s, []*SessionClient{c}, func() bool { return c.LoggedIn })

	disconnected := false
	c.OnDisconnect = func() { disconnected = true }
	c.Disconnect()
	pumpAll(t, s, []*SessionClient{c}, func() bool { return disconnected })
	require.False(t, c.LoggedIn)
	require.Empty(t, c.Players)
}
