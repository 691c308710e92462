package models

import "time"

type ParticipantRole = string

const (
	ParticipantRoleHost  = "host"
	ParticipantRoleGuest = "guest"
)

// Participant is a roster entry. It is not persisted; the session worker
// owns it for as long as the identity stays in the call. The ID is stable
// across reconnects from the same tab so mute state survives a migration.
type Participant struct {
	ID        string          `json:"id"`
	SessionID uint            `json:"session_id"`
	Name      string          `json:"name"`
	Role      ParticipantRole `json:"role"`

	// Muted with MutedByHost unset means self-muted; only the participant
	// themselves may clear it. MutedByHost set means only a host unmute
	// clears the flag.
	Muted       bool `json:"muted"`
	MutedByHost bool `json:"muted_by_host"`

	JoinedAt time.Time `json:"joined_at"`
}
