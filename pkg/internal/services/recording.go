package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

// Recording lifecycle of a call: Idle -> Recording -> Stopping ->
// Processing -> Idle, or back to Idle through Failed on any error. The
// phase check alone guards against concurrent recordings; all transitions
// happen on the session worker.

type RecordingPhase uint8

const (
	RecordingPhaseIdle = RecordingPhase(iota)
	RecordingPhaseRecording
	RecordingPhaseStopping
	RecordingPhaseProcessing
	RecordingPhaseFailed
)

type recordingState struct {
	phase     RecordingPhase
	egressID  string
	startedAt time.Time

	// A stop that arrives before the capture start has been confirmed is
	// remembered and executed as soon as the egress id is known.
	stopRequested bool
}

func (a *CallActor) handleStartRecording(conn SignalConn, state *clientState) {
	self := a.findParticipant(state.participantID)
	if self == nil || self.Role != models.ParticipantRoleHost {
		return
	}
	if a.rec.phase != RecordingPhaseIdle {
		conn.Send(models.ServerPacket{Type: models.PacketRecordingError, Error: "a recording is already in progress"})
		return
	}
	if !a.media.ready {
		conn.Send(models.ServerPacket{Type: models.PacketRecordingError, Error: "media transport is not available"})
		return
	}

	a.rec = recordingState{phase: RecordingPhaseRecording, startedAt: time.Now()}

	session := a.Session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.BridgeTimeout)
		defer cancel()
		egressID, err := a.Bridge.StartCapture(ctx, session)
		if err != nil {
			a.post(evCaptureFailed{err: err})
			return
		}
		if !a.post(evCaptureStarted{egressID: egressID}) {
			// The call ended while the start was in flight; this
			// goroutine is the only one who knows the egress id.
			a.stopOrphanCapture(egressID)
		}
	}()
}

func (a *CallActor) handleStopRecording(conn SignalConn, state *clientState) {
	self := a.findParticipant(state.participantID)
	if self == nil || self.Role != models.ParticipantRoleHost {
		return
	}
	if a.rec.phase != RecordingPhaseRecording {
		conn.Send(models.ServerPacket{Type: models.PacketRecordingError, Error: "no recording in progress"})
		return
	}
	if len(a.rec.egressID) == 0 {
		a.rec.stopRequested = true
		return
	}
	a.beginStopCapture()
}

func (a *CallActor) handleCaptureStarted(egressID string) {
	if a.rec.phase != RecordingPhaseRecording {
		// The recording was cancelled or failed while the start was in
		// flight; tear the orphaned capture down again.
		a.stopOrphanCapture(egressID)
		return
	}

	a.rec.egressID = egressID
	a.broadcast(models.ServerPacket{Type: models.PacketRecordingStarted})

	if a.rec.stopRequested {
		a.beginStopCapture()
	}
}

func (a *CallActor) stopOrphanCapture(egressID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.FinalizeTimeout)
		defer cancel()
		if _, err := a.Bridge.StopCapture(ctx, egressID); err != nil {
			log.Warn().Err(err).Str("egress", egressID).Msg("Unable to stop orphaned capture...")
		}
	}()
}

func (a *CallActor) handleCaptureFailed(err error) {
	log.Warn().Err(err).Uint("session", a.Session.ID).Msg("Unable to start call capture...")
	a.broadcast(models.ServerPacket{Type: models.PacketRecordingError, Error: err.Error()})
	a.rec = recordingState{phase: RecordingPhaseIdle}
}

func (a *CallActor) beginStopCapture() {
	a.rec.phase = RecordingPhaseStopping
	a.rec.stopRequested = false

	egressID := a.rec.egressID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.FinalizeTimeout)
		defer cancel()
		fileURL, err := a.Bridge.StopCapture(ctx, egressID)
		if err != nil {
			a.post(evCaptureStopFailed{err: err})
			return
		}
		a.post(evCaptureStopped{fileURL: fileURL})
	}()
}

func (a *CallActor) handleCaptureStopped(fileURL string) {
	if a.rec.phase != RecordingPhaseStopping {
		return
	}
	a.rec.phase = RecordingPhaseProcessing
	a.broadcast(models.ServerPacket{Type: models.PacketRecordingStopped})

	session := a.Session
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.FinalizeTimeout)
		defer cancel()
		a.post(evSegmentIngested{err: a.Ingest.IngestSegment(ctx, session, fileURL)})
	}()
}

func (a *CallActor) handleCaptureStopFailed(err error) {
	log.Warn().Err(err).Uint("session", a.Session.ID).Msg("Unable to finalize call capture...")
	a.broadcast(models.ServerPacket{Type: models.PacketRecordingStopFailed, Error: err.Error()})
	a.rec = recordingState{phase: RecordingPhaseIdle}
}

func (a *CallActor) handleSegmentIngested(err error) {
	if err != nil {
		log.Warn().Err(err).Uint("session", a.Session.ID).Msg("Segment ingestion rejected call capture...")
		a.rec.phase = RecordingPhaseFailed
		a.broadcast(models.ServerPacket{Type: models.PacketRecordingStopFailed, Error: err.Error()})
		a.rec = recordingState{phase: RecordingPhaseIdle}
		return
	}

	a.broadcast(models.ServerPacket{Type: models.PacketSegmentRecorded})
	a.rec = recordingState{phase: RecordingPhaseIdle}
}
