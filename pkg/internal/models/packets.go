package models

import (
	jsoniter "github.com/json-iterator/go"
)

// Wire protocol of the signaling gateway. Every frame is a JSON object with
// a "type" discriminator; the field sets below are the closed union of what
// clients may send and what the server emits.

const (
	// Client -> server
	PacketHost                  = "host"
	PacketGuest                 = "guest"
	PacketMigrateHost           = "migrateHost"
	PacketSetMute               = "setMute"
	PacketDisconnectParticipant = "disconnectParticipant"
	PacketUpdateHostName        = "updateHostName"
	PacketUpdateParticipantName = "updateParticipantName"
	PacketChat                  = "chat"
	PacketHeartbeat             = "heartbeat"
	PacketStartRecording        = "startRecording"
	PacketStopRecording         = "stopRecording"
	PacketEndCall               = "endCall"
	PacketLeave                 = "leave"

	// Server -> client
	PacketJoined              = "joined"
	PacketParticipants        = "participants"
	PacketParticipantJoined   = "participantJoined"
	PacketCallEnded           = "callEnded"
	PacketError               = "error"
	PacketAlreadyInCall       = "alreadyInCall"
	PacketDisconnected        = "disconnected"
	PacketMedia               = "media"
	PacketMediaUnavailable    = "mediaUnavailable"
	PacketRecordingStarted    = "recordingStarted"
	PacketRecordingStopped    = "recordingStopped"
	PacketRecordingError      = "recordingError"
	PacketRecordingStopFailed = "recordingStopFailed"
	PacketSegmentRecorded     = "segmentRecorded"
)

const MaxChatMessageLength = 2000

// ClientPacket is the inbound envelope. Which fields are meaningful depends
// on Type; unknown fields are ignored, unknown types answered with an error.
type ClientPacket struct {
	Type string `json:"type"`

	SessionID     uint   `json:"sessionId,omitempty"`
	Token         string `json:"token,omitempty"`
	Password      string `json:"password,omitempty"`
	Name          string `json:"name,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Muted         *bool  `json:"muted,omitempty"`
	Text          string `json:"text,omitempty"`
}

type ServerPacket struct {
	Type string `json:"type"`

	Error string `json:"error,omitempty"`

	ParticipantID   string        `json:"participantId,omitempty"`
	ParticipantName string        `json:"participantName,omitempty"`
	Participants    []Participant `json:"participants,omitempty"`

	Muted       *bool  `json:"muted,omitempty"`
	MutedByHost *bool  `json:"mutedByHost,omitempty"`
	Text        string `json:"text,omitempty"`
	Reason      string `json:"reason,omitempty"`

	WebrtcURL        string `json:"webrtcUrl,omitempty"`
	RoomID           string `json:"roomId,omitempty"`
	AccessToken      string `json:"accessToken,omitempty"`
	MediaUnavailable bool   `json:"mediaUnavailable,omitempty"`
}

func (v ServerPacket) Marshal() []byte {
	raw, _ := jsoniter.Marshal(v)
	return raw
}

func ServerPacketFromError(err error) ServerPacket {
	return ServerPacket{
		Type:  PacketError,
		Error: err.Error(),
	}
}
