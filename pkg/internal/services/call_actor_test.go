package services

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

type fakeConn struct {
	mu      sync.Mutex
	packets []models.ServerPacket
	closed  bool
}

func (c *fakeConn) Send(packet models.ServerPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, packet)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ofType(kind string) []models.ServerPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Filter(c.packets, func(p models.ServerPacket, _ int) bool {
		return p.Type == kind
	})
}

func (c *fakeConn) lastOf(kind string) (models.ServerPacket, bool) {
	matches := c.ofType(kind)
	if len(matches) == 0 {
		return models.ServerPacket{}, false
	}
	return matches[len(matches)-1], true
}

func (c *fakeConn) waitFor(t *testing.T, kind string) models.ServerPacket {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.ofType(kind)) > 0
	}, time.Second, 5*time.Millisecond, "expected a %s packet", kind)
	packet, _ := c.lastOf(kind)
	return packet
}

type fakeBridge struct {
	mu          sync.Mutex
	unavailable bool
	startErr    error
	stopErr     error
	startGate   chan struct{}
	stopCalls   int
}

func (b *fakeBridge) AllocateRoom(_ context.Context, _ *models.CallSession) (RoomInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return RoomInfo{}, ErrMediaUnavailable
	}
	return RoomInfo{RoomID: "room-1", URL: "wss://sfu.test"}, nil
}

func (b *fakeBridge) JoinToken(_ models.CallSession, participant models.Participant) (string, error) {
	return "media-token-" + participant.ID, nil
}

func (b *fakeBridge) RemoveParticipant(_ context.Context, _ models.CallSession, _ string) error {
	return nil
}

func (b *fakeBridge) DeleteRoom(_ context.Context, _ models.CallSession) error {
	return nil
}

func (b *fakeBridge) StartCapture(_ context.Context, _ models.CallSession) (string, error) {
	b.mu.Lock()
	gate := b.startGate
	err := b.startErr
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "egress-1", nil
}

func (b *fakeBridge) StopCapture(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopCalls++
	if b.stopErr != nil {
		return "", b.stopErr
	}
	return "https://cdn.test/segments/room-1.ogg", nil
}

type fakeIngestor struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (i *fakeIngestor) IngestSegment(_ context.Context, _ models.CallSession, _ string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.err
}

const testHostUserID = uint(42)

func newTestActor(bridge MediaBridge, ingest SegmentIngestor) (*CallActor, *atomic.Bool) {
	session := models.CallSession{
		BaseModel:    models.BaseModel{ID: 1},
		EpisodeID:    7,
		EpisodeTitle: "Pilot",
		HostUserID:   testHostUserID,
		HostName:     "Sam",
		JoinToken:    "s1tok",
		State:        models.SessionStateOpen,
	}

	actor := NewCallActor(session, bridge, ingest)
	actor.TickEvery = 10 * time.Millisecond
	actor.HeartbeatTimeout = time.Hour
	actor.GraceWindow = time.Hour
	actor.BridgeTimeout = time.Second
	actor.FinalizeTimeout = time.Second

	ended := &atomic.Bool{}
	actor.EndSession = func(models.CallSession) error {
		ended.Store(true)
		return nil
	}

	return actor, ended
}

func startActor(t *testing.T, actor *CallActor) {
	t.Helper()
	go actor.Run()
	t.Cleanup(actor.Stop)
}

func joinHost(t *testing.T, actor *CallActor) (*fakeConn, models.ServerPacket) {
	t.Helper()
	conn := &fakeConn{}
	require.True(t, actor.Deliver(conn, testHostUserID, models.ClientPacket{
		Type:      models.PacketHost,
		SessionID: 1,
		Name:      "Sam",
	}))
	return conn, conn.waitFor(t, models.PacketJoined)
}

func joinGuest(t *testing.T, actor *CallActor, name string) (*fakeConn, models.ServerPacket) {
	t.Helper()
	conn := &fakeConn{}
	require.True(t, actor.Deliver(conn, 0, models.ClientPacket{
		Type:  models.PacketGuest,
		Token: "s1tok",
		Name:  name,
	}))
	return conn, conn.waitFor(t, models.PacketJoined)
}

func TestHostThenGuestJoin(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, hostJoined := joinHost(t, actor)
	require.Len(t, hostJoined.Participants, 1)
	assert.Equal(t, models.ParticipantRoleHost, hostJoined.Participants[0].Role)
	assert.NotEmpty(t, hostJoined.ParticipantID)

	guestConn, guestJoined := joinGuest(t, actor, "Ann")
	require.Len(t, guestJoined.Participants, 2)
	assert.NotEmpty(t, guestJoined.ParticipantID)

	notice := hostConn.waitFor(t, models.PacketParticipantJoined)
	assert.Equal(t, "Ann", notice.ParticipantName)
	assert.Equal(t, guestJoined.ParticipantID, notice.ParticipantID)

	// The joiner does not get their own participantJoined echo.
	assert.Empty(t, guestConn.ofType(models.PacketParticipantJoined))
}

func TestOnlyOneHostAtATime(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	_, hostJoined := joinHost(t, actor)
	_, guestJoined := joinGuest(t, actor, "Ann")

	hosts := lo.Filter(guestJoined.Participants, func(p models.Participant, _ int) bool {
		return p.Role == models.ParticipantRoleHost
	})
	require.Len(t, hosts, 1)
	assert.Equal(t, hostJoined.ParticipantID, hosts[0].ID)
}

func TestHostAuthorizationRejected(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	conn := &fakeConn{}
	require.True(t, actor.Deliver(conn, 99, models.ClientPacket{Type: models.PacketHost, SessionID: 1}))

	errPacket := conn.waitFor(t, models.PacketError)
	assert.Contains(t, errPacket.Error, "does not belong to you")
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
}

func TestGuestWrongPassword(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	hash, err := HashSessionPassword("opensesame")
	require.NoError(t, err)
	actor.Session.PasswordHash = hash
	startActor(t, actor)

	conn := &fakeConn{}
	require.True(t, actor.Deliver(conn, 0, models.ClientPacket{
		Type:     models.PacketGuest,
		Token:    "s1tok",
		Name:     "Ann",
		Password: "wrong",
	}))

	errPacket := conn.waitFor(t, models.PacketError)
	assert.Equal(t, "Invalid password", errPacket.Error)
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
}

func TestHostMuteAuthority(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, guestJoined := joinGuest(t, actor, "Ann")
	guestID := guestJoined.ParticipantID

	// Host mutes the guest.
	require.True(t, actor.Deliver(hostConn, testHostUserID, models.ClientPacket{
		Type:          models.PacketSetMute,
		ParticipantID: guestID,
		Muted:         lo.ToPtr(true),
	}))
	muteNotice := guestConn.waitFor(t, models.PacketSetMute)
	require.NotNil(t, muteNotice.Muted)
	require.NotNil(t, muteNotice.MutedByHost)
	assert.True(t, *muteNotice.Muted)
	assert.True(t, *muteNotice.MutedByHost)

	// The guest cannot lift a host-applied mute; a rename afterwards
	// flushes a roster that must still show them muted.
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{
		Type:  models.PacketSetMute,
		Muted: lo.ToPtr(false),
	}))
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{
		Type: models.PacketUpdateParticipantName,
		Name: "Annie",
	}))
	require.Eventually(t, func() bool {
		roster, ok := guestConn.lastOf(models.PacketParticipants)
		if !ok {
			return false
		}
		_, found := lo.Find(roster.Participants, func(p models.Participant) bool {
			return p.ID == guestID && p.Name == "Annie"
		})
		return found
	}, time.Second, 5*time.Millisecond)
	roster, _ := guestConn.lastOf(models.PacketParticipants)
	guest, _ := lo.Find(roster.Participants, func(p models.Participant) bool { return p.ID == guestID })
	assert.True(t, guest.Muted)
	assert.True(t, guest.MutedByHost)

	// Only the host's unmute clears it.
	require.True(t, actor.Deliver(hostConn, testHostUserID, models.ClientPacket{
		Type:          models.PacketSetMute,
		ParticipantID: guestID,
		Muted:         lo.ToPtr(false),
	}))
	require.Eventually(t, func() bool {
		notice, ok := guestConn.lastOf(models.PacketSetMute)
		return ok && notice.Muted != nil && !*notice.Muted
	}, time.Second, 5*time.Millisecond)

	// Self-mute works again now.
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{
		Type:  models.PacketSetMute,
		Muted: lo.ToPtr(true),
	}))
	require.Eventually(t, func() bool {
		notice, ok := guestConn.lastOf(models.PacketSetMute)
		return ok && notice.Muted != nil && *notice.Muted && notice.MutedByHost != nil && !*notice.MutedByHost
	}, time.Second, 5*time.Millisecond)
}

func TestGuestCannotMuteOthers(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, hostJoined := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{
		Type:          models.PacketSetMute,
		ParticipantID: hostJoined.ParticipantID,
		Muted:         lo.ToPtr(true),
	}))

	// Probe with a chat fanout; the host must never have seen a setMute.
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketChat, Text: "probe"}))
	hostConn.waitFor(t, models.PacketChat)
	assert.Empty(t, hostConn.ofType(models.PacketSetMute))
}

func TestHostMigration(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	firstTab, firstJoined := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	secondTab := &fakeConn{}
	require.True(t, actor.Deliver(secondTab, testHostUserID, models.ClientPacket{
		Type:      models.PacketHost,
		SessionID: 1,
	}))
	secondTab.waitFor(t, models.PacketAlreadyInCall)

	require.True(t, actor.Deliver(secondTab, testHostUserID, models.ClientPacket{
		Type: models.PacketMigrateHost,
	}))

	migration := firstTab.waitFor(t, models.PacketCallEnded)
	assert.Equal(t, "migrated", migration.Reason)
	require.Eventually(t, firstTab.isClosed, time.Second, 5*time.Millisecond)

	joined := secondTab.waitFor(t, models.PacketJoined)
	assert.Equal(t, firstJoined.ParticipantID, joined.ParticipantID)

	hosts := lo.Filter(joined.Participants, func(p models.Participant, _ int) bool {
		return p.Role == models.ParticipantRoleHost
	})
	assert.Len(t, hosts, 1)

	// The migrated host still has authority.
	require.True(t, actor.Deliver(secondTab, testHostUserID, models.ClientPacket{Type: models.PacketChat, Text: "back"}))
	guestConn.waitFor(t, models.PacketChat)
}

func TestHeartbeatTimeoutReapsConnection(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	actor.HeartbeatTimeout = 50 * time.Millisecond
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	_, guestJoined := joinGuest(t, actor, "Ann")
	guestID := guestJoined.ParticipantID

	// The host keeps beating, the guest goes silent.
	require.Eventually(t, func() bool {
		actor.Deliver(hostConn, testHostUserID, models.ClientPacket{Type: models.PacketHeartbeat})
		roster, ok := hostConn.lastOf(models.PacketParticipants)
		if !ok {
			return false
		}
		_, stillThere := lo.Find(roster.Participants, func(p models.Participant) bool {
			return p.ID == guestID
		})
		return !stillThere
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectParticipant(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, guestJoined := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(hostConn, testHostUserID, models.ClientPacket{
		Type:          models.PacketDisconnectParticipant,
		ParticipantID: guestJoined.ParticipantID,
	}))

	guestConn.waitFor(t, models.PacketDisconnected)
	require.Eventually(t, guestConn.isClosed, time.Second, 5*time.Millisecond)

	roster := hostConn.waitFor(t, models.PacketParticipants)
	assert.Len(t, roster.Participants, 1)
}

func TestGuestLeaveKeepsSessionOpen(t *testing.T) {
	actor, ended := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketLeave}))

	roster := hostConn.waitFor(t, models.PacketParticipants)
	assert.Len(t, roster.Participants, 1)
	assert.False(t, ended.Load())
}

func TestHostLeaveDoesNotEndSession(t *testing.T) {
	actor, ended := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(hostConn, testHostUserID, models.ClientPacket{Type: models.PacketLeave}))

	roster := guestConn.waitFor(t, models.PacketParticipants)
	assert.Len(t, roster.Participants, 1)
	assert.False(t, ended.Load())

	// A new host can claim the vacant slot.
	newHost := &fakeConn{}
	require.True(t, actor.Deliver(newHost, testHostUserID, models.ClientPacket{
		Type:      models.PacketHost,
		SessionID: 1,
	}))
	newHost.waitFor(t, models.PacketJoined)
}

func TestEndCallClosesEverything(t *testing.T) {
	actor, ended := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(hostConn, testHostUserID, models.ClientPacket{Type: models.PacketEndCall}))

	hostConn.waitFor(t, models.PacketCallEnded)
	guestConn.waitFor(t, models.PacketCallEnded)
	require.Eventually(t, guestConn.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, ended.Load, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !actor.Deliver(hostConn, testHostUserID, models.ClientPacket{Type: models.PacketHeartbeat})
	}, time.Second, 5*time.Millisecond)
}

func TestGuestCannotEndCall(t *testing.T) {
	actor, ended := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketEndCall}))

	// The call is still alive and fanning out.
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketChat, Text: "still here"}))
	hostConn.waitFor(t, models.PacketChat)
	assert.False(t, ended.Load())
}

func TestChatValidationAndOrdering(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketChat, Text: "   "}))
	errPacket := guestConn.waitFor(t, models.PacketError)
	assert.Contains(t, errPacket.Error, "between 1 and 2000")

	long := make([]byte, models.MaxChatMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketChat, Text: string(long)}))

	for _, text := range []string{"one", "two", "three"} {
		require.True(t, actor.Deliver(hostConn, testHostUserID, models.ClientPacket{Type: models.PacketChat, Text: text}))
	}

	require.Eventually(t, func() bool {
		return len(guestConn.ofType(models.PacketChat)) == 3 && len(hostConn.ofType(models.PacketChat)) == 3
	}, time.Second, 5*time.Millisecond)

	texts := func(c *fakeConn) []string {
		return lo.Map(c.ofType(models.PacketChat), func(p models.ServerPacket, _ int) string { return p.Text })
	}
	assert.Equal(t, []string{"one", "two", "three"}, texts(hostConn))
	assert.Equal(t, texts(hostConn), texts(guestConn))
}

func TestChatLimitCountsRunes(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	guestConn, _ := joinGuest(t, actor, "Ann")

	// 1500 characters, 3000 bytes; well within the character limit.
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{
		Type: models.PacketChat,
		Text: strings.Repeat("ő", 1500),
	}))
	hostConn.waitFor(t, models.PacketChat)

	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{
		Type: models.PacketChat,
		Text: strings.Repeat("ő", models.MaxChatMessageLength+1),
	}))
	guestConn.waitFor(t, models.PacketError)
	assert.Len(t, hostConn.ofType(models.PacketChat), 1)
}

func TestMediaUnavailableDegradesGracefully(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{unavailable: true}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, _ := joinHost(t, actor)
	hostConn.waitFor(t, models.PacketMediaUnavailable)

	guestConn, guestJoined := joinGuest(t, actor, "Ann")
	assert.Empty(t, guestJoined.WebrtcURL)

	// Chat and roster still work without a media room.
	require.True(t, actor.Deliver(guestConn, 0, models.ClientPacket{Type: models.PacketChat, Text: "hello"}))
	hostConn.waitFor(t, models.PacketChat)
}

func TestMediaCoordinatesDelivered(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	hostConn, hostJoined := joinHost(t, actor)
	media := hostConn.waitFor(t, models.PacketMedia)
	assert.Equal(t, "room-1", media.RoomID)
	assert.Equal(t, "wss://sfu.test", media.WebrtcURL)
	assert.Equal(t, "media-token-"+hostJoined.ParticipantID, media.AccessToken)

	// A later joiner gets the cached coordinates straight in joined.
	_, guestJoined := joinGuest(t, actor, "Ann")
	assert.Equal(t, "room-1", guestJoined.RoomID)
	assert.NotEmpty(t, guestJoined.AccessToken)
}

func TestGraceWindowEndsAbandonedSession(t *testing.T) {
	actor, ended := newTestActor(&fakeBridge{}, &fakeIngestor{})
	actor.GraceWindow = 30 * time.Millisecond
	startActor(t, actor)

	require.Eventually(t, ended.Load, 2*time.Second, 10*time.Millisecond)
}

func TestDuplicateGuestIdentity(t *testing.T) {
	actor, _ := newTestActor(&fakeBridge{}, &fakeIngestor{})
	startActor(t, actor)

	_, _ = joinHost(t, actor)
	firstTab, guestJoined := joinGuest(t, actor, "Ann")

	secondTab := &fakeConn{}
	require.True(t, actor.Deliver(secondTab, 0, models.ClientPacket{
		Type:          models.PacketGuest,
		Token:         "s1tok",
		ParticipantID: guestJoined.ParticipantID,
	}))
	secondTab.waitFor(t, models.PacketAlreadyInCall)

	require.True(t, actor.Deliver(secondTab, 0, models.ClientPacket{Type: models.PacketMigrateHost}))
	joined := secondTab.waitFor(t, models.PacketJoined)
	assert.Equal(t, guestJoined.ParticipantID, joined.ParticipantID)
	require.Eventually(t, firstTab.isClosed, time.Second, 5*time.Millisecond)
}
