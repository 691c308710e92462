package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

// Every mutable piece of a live call (roster, connections, recording phase,
// media coordinates) is owned by exactly one CallActor goroutine. Inbound
// packets and completions of asynchronous collaborator calls are funneled
// through its inbox, so each mutation is applied atomically in arrival
// order and no locks are needed.

type actorEvent interface{ actorEvent() }

type evPacket struct {
	conn   SignalConn
	userID uint
	packet models.ClientPacket
}

type evDropped struct{ conn SignalConn }
type evMediaReady struct{ info RoomInfo }
type evMediaFailed struct{}
type evCaptureStarted struct{ egressID string }
type evCaptureFailed struct{ err error }
type evCaptureStopped struct{ fileURL string }
type evCaptureStopFailed struct{ err error }
type evSegmentIngested struct{ err error }
type evTick struct{ at time.Time }
type evShutdown struct{}
type evEndExternal struct{}

func (evPacket) actorEvent()            {}
func (evDropped) actorEvent()           {}
func (evMediaReady) actorEvent()        {}
func (evMediaFailed) actorEvent()       {}
func (evCaptureStarted) actorEvent()    {}
func (evCaptureFailed) actorEvent()     {}
func (evCaptureStopped) actorEvent()    {}
func (evCaptureStopFailed) actorEvent() {}
func (evSegmentIngested) actorEvent()   {}
func (evTick) actorEvent()              {}
func (evShutdown) actorEvent()          {}
func (evEndExternal) actorEvent()       {}

type clientState struct {
	userID        uint
	participantID string
	lastBeat      time.Time

	// Set after an alreadyInCall reply; the only packet that resolves it
	// is migrateHost.
	pendingHost bool
	pendingFor  string
}

type mediaState struct {
	pending     bool
	ready       bool
	unavailable bool
	info        RoomInfo
}

type CallActor struct {
	Session models.CallSession
	Bridge  MediaBridge
	Ingest  SegmentIngestor

	// EndSession persists the Open -> Ended transition; only this actor
	// ever invokes it for its session.
	EndSession func(session models.CallSession) error
	OnRetire   func(sessionID uint)

	HeartbeatTimeout time.Duration
	TickEvery        time.Duration
	GraceWindow      time.Duration
	BridgeTimeout    time.Duration
	FinalizeTimeout  time.Duration

	inbox chan actorEvent
	done  chan struct{}

	clients  map[SignalConn]*clientState
	roster   []*models.Participant
	hostConn SignalConn

	media mediaState
	rec   recordingState

	graceUntil time.Time
	retired    bool
}

func NewCallActor(session models.CallSession, bridge MediaBridge, ingest SegmentIngestor) *CallActor {
	return &CallActor{
		Session: session,
		Bridge:  bridge,
		Ingest:  ingest,

		HeartbeatTimeout: durationOrDefault(viper.GetDuration("signaling.heartbeat_timeout"), 60*time.Second),
		TickEvery:        durationOrDefault(viper.GetDuration("signaling.tick_interval"), 15*time.Second),
		GraceWindow:      durationOrDefault(viper.GetDuration("signaling.grace_window"), 5*time.Minute),
		BridgeTimeout:    durationOrDefault(viper.GetDuration("calling.bridge_timeout"), 5*time.Second),
		FinalizeTimeout:  durationOrDefault(viper.GetDuration("studio.finalize_timeout"), 30*time.Second),

		inbox:   make(chan actorEvent, 64),
		done:    make(chan struct{}),
		clients: make(map[SignalConn]*clientState),
	}
}

func durationOrDefault(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func (a *CallActor) Run() {
	ticker := time.NewTicker(a.TickEvery)
	defer ticker.Stop()

	for {
		select {
		case ev := <-a.inbox:
			a.step(ev)
		case t := <-ticker.C:
			a.step(evTick{at: t})
		}
		if a.retired {
			return
		}
	}
}

// Deliver queues an inbound packet for this session. It reports false once
// the actor has retired so the gateway can drop the connection.
func (a *CallActor) Deliver(conn SignalConn, userID uint, packet models.ClientPacket) bool {
	select {
	case a.inbox <- evPacket{conn: conn, userID: userID, packet: packet}:
		return true
	case <-a.done:
		return false
	}
}

// Forget reports an abruptly closed transport; it takes the same cleanup
// path as an explicit leave.
func (a *CallActor) Forget(conn SignalConn) {
	select {
	case a.inbox <- evDropped{conn: conn}:
	case <-a.done:
	}
}

func (a *CallActor) Stop() {
	select {
	case a.inbox <- evShutdown{}:
	case <-a.done:
	}
}

// EndFromOutside mirrors a host's endCall packet for the REST surface.
func (a *CallActor) EndFromOutside() {
	select {
	case a.inbox <- evEndExternal{}:
	case <-a.done:
	}
}

// post reports whether the event made it into the inbox; producers that
// hold external resources (a running egress) clean up themselves when it
// returns false.
func (a *CallActor) post(ev actorEvent) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.inbox <- ev:
		return true
	case <-a.done:
		return false
	}
}

func (a *CallActor) step(ev actorEvent) {
	switch ev := ev.(type) {
	case evPacket:
		a.handlePacket(ev)
	case evDropped:
		a.dropConn(ev.conn)
	case evMediaReady:
		a.handleMediaReady(ev.info)
	case evMediaFailed:
		a.handleMediaFailed()
	case evCaptureStarted:
		a.handleCaptureStarted(ev.egressID)
	case evCaptureFailed:
		a.handleCaptureFailed(ev.err)
	case evCaptureStopped:
		a.handleCaptureStopped(ev.fileURL)
	case evCaptureStopFailed:
		a.handleCaptureStopFailed(ev.err)
	case evSegmentIngested:
		a.handleSegmentIngested(ev.err)
	case evTick:
		a.handleTick(ev.at)
	case evShutdown:
		a.retire(false)
	case evEndExternal:
		a.broadcast(models.ServerPacket{Type: models.PacketCallEnded})
		a.retire(true)
	}
}

func (a *CallActor) handlePacket(ev evPacket) {
	conn, packet := ev.conn, ev.packet
	state := a.clients[conn]

	switch packet.Type {
	case models.PacketHost:
		a.handleHost(conn, ev.userID, packet)
		return
	case models.PacketGuest:
		a.handleGuest(conn, packet)
		return
	case models.PacketMigrateHost:
		a.handleMigrateHost(conn)
		return
	case models.PacketHeartbeat:
		if state != nil {
			state.lastBeat = time.Now()
		}
		return
	}

	if state == nil || len(state.participantID) == 0 {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "join the call first"})
		return
	}

	switch packet.Type {
	case models.PacketSetMute:
		a.handleSetMute(conn, state, packet)
	case models.PacketDisconnectParticipant:
		a.handleDisconnectParticipant(state, packet)
	case models.PacketUpdateHostName, models.PacketUpdateParticipantName:
		a.handleRename(state, packet)
	case models.PacketChat:
		a.handleChat(conn, state, packet)
	case models.PacketStartRecording:
		a.handleStartRecording(conn, state)
	case models.PacketStopRecording:
		a.handleStopRecording(conn, state)
	case models.PacketEndCall:
		a.handleEndCall(state)
	case models.PacketLeave:
		a.dropConn(conn)
	default:
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "unknown packet type"})
	}
}

func (a *CallActor) handleHost(conn SignalConn, userID uint, packet models.ClientPacket) {
	if a.clients[conn] != nil {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "already joined on this connection"})
		return
	}
	if userID == 0 || userID != a.Session.HostUserID {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "this session does not belong to you"})
		conn.Close()
		return
	}

	if a.hostConn != nil {
		a.clients[conn] = &clientState{userID: userID, lastBeat: time.Now(), pendingHost: true}
		conn.Send(models.ServerPacket{Type: models.PacketAlreadyInCall})
		return
	}

	name := packet.Name
	if len(name) == 0 {
		name = a.Session.HostName
	}

	participant := &models.Participant{
		ID:        uuid.NewString(),
		SessionID: a.Session.ID,
		Name:      name,
		Role:      models.ParticipantRoleHost,
		JoinedAt:  time.Now(),
	}
	a.roster = append(a.roster, participant)
	a.hostConn = conn
	a.clients[conn] = &clientState{userID: userID, participantID: participant.ID, lastBeat: time.Now()}

	a.sendJoined(conn, participant)
	a.broadcastExcept(conn, models.ServerPacket{
		Type:            models.PacketParticipantJoined,
		ParticipantID:   participant.ID,
		ParticipantName: participant.Name,
		Participants:    a.snapshot(),
	})
	a.ensureMedia()
}

func (a *CallActor) handleGuest(conn SignalConn, packet models.ClientPacket) {
	if a.clients[conn] != nil {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "already joined on this connection"})
		return
	}
	if a.Session.RequiresPassword() && !CheckSessionPassword(a.Session, packet.Password) {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "Invalid password"})
		conn.Close()
		return
	}

	// A tab reconnecting with its previous identity while the old
	// connection is still live must not displace it.
	if len(packet.ParticipantID) > 0 {
		if existing := a.findParticipant(packet.ParticipantID); existing != nil && existing.Role == models.ParticipantRoleGuest {
			a.clients[conn] = &clientState{lastBeat: time.Now(), pendingFor: existing.ID}
			conn.Send(models.ServerPacket{Type: models.PacketAlreadyInCall})
			return
		}
	}

	name := packet.Name
	if len(name) == 0 {
		name = "Guest"
	}

	participant := &models.Participant{
		ID:        uuid.NewString(),
		SessionID: a.Session.ID,
		Name:      name,
		Role:      models.ParticipantRoleGuest,
		JoinedAt:  time.Now(),
	}
	a.roster = append(a.roster, participant)
	a.clients[conn] = &clientState{participantID: participant.ID, lastBeat: time.Now()}

	a.sendJoined(conn, participant)
	a.broadcastExcept(conn, models.ServerPacket{
		Type:            models.PacketParticipantJoined,
		ParticipantID:   participant.ID,
		ParticipantName: participant.Name,
		Participants:    a.snapshot(),
	})
	a.ensureMedia()
}

// handleMigrateHost atomically moves a live identity from its previous
// connection to the one that earlier received alreadyInCall. The
// participant record, and with it joinedAt and mute state, is preserved.
func (a *CallActor) handleMigrateHost(conn SignalConn) {
	state := a.clients[conn]
	if state == nil || (!state.pendingHost && len(state.pendingFor) == 0) {
		return
	}

	var previous SignalConn
	if state.pendingHost {
		previous = a.hostConn
	} else {
		previous = a.connOf(state.pendingFor)
	}

	if previous == nil {
		// The old connection vanished in the meantime; nothing left to
		// hand over, so the caller has to join afresh.
		delete(a.clients, conn)
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "previous connection is gone, join again"})
		return
	}

	prevState := a.clients[previous]
	participantID := prevState.participantID

	previous.Send(models.ServerPacket{Type: models.PacketCallEnded, Reason: "migrated"})
	delete(a.clients, previous)
	previous.Close()

	state.participantID = participantID
	state.pendingHost = false
	state.pendingFor = ""
	state.lastBeat = time.Now()
	if a.hostConn == previous {
		a.hostConn = conn
	}

	if participant := a.findParticipant(participantID); participant != nil {
		a.sendJoined(conn, participant)
	}
}

func (a *CallActor) handleSetMute(conn SignalConn, state *clientState, packet models.ClientPacket) {
	if packet.Muted == nil {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "missing muted flag"})
		return
	}
	self := a.findParticipant(state.participantID)
	if self == nil {
		return
	}
	isHost := self.Role == models.ParticipantRoleHost
	muted := *packet.Muted

	if len(packet.ParticipantID) > 0 && packet.ParticipantID != self.ID {
		// Muting someone else is host authority; violations are dropped
		// without a reply so privileges are not probeable.
		if !isHost {
			return
		}
		target := a.findParticipant(packet.ParticipantID)
		if target == nil {
			return
		}
		target.Muted = muted
		target.MutedByHost = muted
		if c := a.connOf(target.ID); c != nil {
			c.Send(models.ServerPacket{
				Type:        models.PacketSetMute,
				Muted:       lo.ToPtr(muted),
				MutedByHost: lo.ToPtr(muted),
			})
		}
		a.broadcastRoster()
		return
	}

	// A host-applied mute sticks until the host lifts it.
	if self.MutedByHost && !isHost {
		return
	}
	self.Muted = muted
	self.MutedByHost = false
	conn.Send(models.ServerPacket{
		Type:        models.PacketSetMute,
		Muted:       lo.ToPtr(muted),
		MutedByHost: lo.ToPtr(false),
	})
	a.broadcastRoster()
}

func (a *CallActor) handleDisconnectParticipant(state *clientState, packet models.ClientPacket) {
	self := a.findParticipant(state.participantID)
	if self == nil || self.Role != models.ParticipantRoleHost {
		return
	}
	if len(packet.ParticipantID) == 0 || packet.ParticipantID == self.ID {
		return
	}
	target := a.connOf(packet.ParticipantID)
	if target == nil {
		return
	}

	target.Send(models.ServerPacket{Type: models.PacketDisconnected})
	delete(a.clients, target)
	target.Close()
	a.removeParticipant(packet.ParticipantID)

	session := a.Session
	identity := packet.ParticipantID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.BridgeTimeout)
		defer cancel()
		if err := a.Bridge.RemoveParticipant(ctx, session, identity); err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("Unable to kick participant at media side...")
		}
	}()

	a.broadcastRoster()
}

func (a *CallActor) handleRename(state *clientState, packet models.ClientPacket) {
	participant := a.findParticipant(state.participantID)
	if participant == nil || len(strings.TrimSpace(packet.Name)) == 0 {
		return
	}
	participant.Name = strings.TrimSpace(packet.Name)
	a.broadcastRoster()
}

func (a *CallActor) handleChat(conn SignalConn, state *clientState, packet models.ClientPacket) {
	text := strings.TrimSpace(packet.Text)
	if length := utf8.RuneCountInString(text); length == 0 || length > models.MaxChatMessageLength {
		conn.Send(models.ServerPacket{Type: models.PacketError, Error: "chat message must be between 1 and 2000 characters"})
		return
	}
	participant := a.findParticipant(state.participantID)
	if participant == nil {
		return
	}

	// The sender gets their own message back so every tab observes the
	// same ordering.
	a.broadcast(models.ServerPacket{
		Type:            models.PacketChat,
		ParticipantID:   participant.ID,
		ParticipantName: participant.Name,
		Text:            text,
	})
}

func (a *CallActor) handleEndCall(state *clientState) {
	self := a.findParticipant(state.participantID)
	if self == nil || self.Role != models.ParticipantRoleHost {
		return
	}
	a.broadcast(models.ServerPacket{Type: models.PacketCallEnded})
	a.retire(true)
}

func (a *CallActor) dropConn(conn SignalConn) {
	state := a.clients[conn]
	conn.Close()
	if state == nil {
		return
	}
	delete(a.clients, conn)
	if conn == a.hostConn {
		a.hostConn = nil
	}
	if len(state.participantID) > 0 {
		a.removeParticipant(state.participantID)
		a.broadcastRoster()
	}
}

func (a *CallActor) handleTick(at time.Time) {
	for conn, state := range a.clients {
		if at.Sub(state.lastBeat) > a.HeartbeatTimeout {
			a.dropConn(conn)
		}
	}

	if len(a.clients) == 0 {
		if a.graceUntil.IsZero() {
			a.graceUntil = at.Add(a.GraceWindow)
		} else if at.After(a.graceUntil) {
			a.retire(true)
		}
	} else {
		a.graceUntil = time.Time{}
	}
}

func (a *CallActor) ensureMedia() {
	if a.media.ready || a.media.pending {
		return
	}
	a.media.pending = true
	a.media.unavailable = false

	session := a.Session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.BridgeTimeout)
		defer cancel()
		info, err := a.Bridge.AllocateRoom(ctx, &session)
		if err != nil {
			a.post(evMediaFailed{})
			return
		}
		a.post(evMediaReady{info: info})
	}()
}

func (a *CallActor) handleMediaReady(info RoomInfo) {
	a.media = mediaState{ready: true, info: info}
	a.Session.Media = map[string]any{"room_id": info.RoomID, "url": info.URL}

	for conn, state := range a.clients {
		participant := a.findParticipant(state.participantID)
		if participant == nil {
			continue
		}
		packet := models.ServerPacket{
			Type:      models.PacketMedia,
			RoomID:    info.RoomID,
			WebrtcURL: info.URL,
		}
		if token, err := a.Bridge.JoinToken(a.Session, *participant); err == nil {
			packet.AccessToken = token
		}
		conn.Send(packet)
	}
}

func (a *CallActor) handleMediaFailed() {
	a.media = mediaState{unavailable: true}
	a.broadcast(models.ServerPacket{Type: models.PacketMediaUnavailable})
}

func (a *CallActor) sendJoined(conn SignalConn, participant *models.Participant) {
	packet := models.ServerPacket{
		Type:             models.PacketJoined,
		ParticipantID:    participant.ID,
		Participants:     a.snapshot(),
		MediaUnavailable: a.media.unavailable,
	}
	if a.media.ready {
		packet.RoomID = a.media.info.RoomID
		packet.WebrtcURL = a.media.info.URL
		if token, err := a.Bridge.JoinToken(a.Session, *participant); err == nil {
			packet.AccessToken = token
		}
	}
	conn.Send(packet)
}

func (a *CallActor) retire(endSession bool) {
	if a.retired {
		return
	}
	a.retired = true
	close(a.done)

	// Queued events die with the actor, except a capture confirmation,
	// whose egress nobody else would ever stop.
drain:
	for {
		select {
		case ev := <-a.inbox:
			if started, ok := ev.(evCaptureStarted); ok {
				a.stopOrphanCapture(started.egressID)
			}
		default:
			break drain
		}
	}

	if len(a.rec.egressID) > 0 && (a.rec.phase == RecordingPhaseRecording || a.rec.phase == RecordingPhaseStopping) {
		a.stopOrphanCapture(a.rec.egressID)
	}

	for conn := range a.clients {
		conn.Close()
	}
	a.clients = make(map[SignalConn]*clientState)
	a.roster = nil
	a.hostConn = nil

	if endSession {
		if a.EndSession != nil {
			if err := a.EndSession(a.Session); err != nil {
				log.Error().Err(err).Uint("session", a.Session.ID).Msg("An error occurred when ending call session...")
			}
		}
		if a.media.ready {
			session := a.Session
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), a.BridgeTimeout)
				defer cancel()
				if err := a.Bridge.DeleteRoom(ctx, session); err != nil {
					log.Warn().Err(err).Msg("Unable to delete room at media side...")
				}
			}()
		}
	}

	if a.OnRetire != nil {
		a.OnRetire(a.Session.ID)
	}
}

func (a *CallActor) broadcast(packet models.ServerPacket) {
	for conn, state := range a.clients {
		if len(state.participantID) == 0 {
			continue
		}
		conn.Send(packet)
	}
}

func (a *CallActor) broadcastExcept(skip SignalConn, packet models.ServerPacket) {
	for conn, state := range a.clients {
		if conn == skip || len(state.participantID) == 0 {
			continue
		}
		conn.Send(packet)
	}
}

func (a *CallActor) broadcastRoster() {
	a.broadcast(models.ServerPacket{
		Type:         models.PacketParticipants,
		Participants: a.snapshot(),
	})
}

func (a *CallActor) snapshot() []models.Participant {
	return lo.Map(a.roster, func(p *models.Participant, _ int) models.Participant {
		return *p
	})
}

func (a *CallActor) findParticipant(id string) *models.Participant {
	for _, participant := range a.roster {
		if participant.ID == id {
			return participant
		}
	}
	return nil
}

func (a *CallActor) connOf(participantID string) SignalConn {
	for conn, state := range a.clients {
		if state.participantID == participantID {
			return conn
		}
	}
	return nil
}

func (a *CallActor) removeParticipant(id string) {
	a.roster = lo.Reject(a.roster, func(p *models.Participant, _ int) bool {
		return p.ID == id
	})
}
