package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type SessionState = uint8

const (
	SessionStateOpen = SessionState(iota)
	SessionStateEnded
)

// CallSession is the durable root of one live call, bound to exactly one
// episode. Guests resolve it through the join token or the rotating
// 4-digit join code; the roster itself lives in memory on the session worker.
type CallSession struct {
	BaseModel

	// Partial unique indexes back the "one Open session per episode" and
	// "join code unique among Open sessions" rules under concurrent starts;
	// the service-level pre-checks are advisory only.
	EpisodeID    uint   `json:"episode_id" gorm:"index;uniqueIndex:uix_call_sessions_open_episode,where:state = 0"`
	EpisodeTitle string `json:"episode_title"`
	PodcastTitle string `json:"podcast_title"`

	HostUserID uint   `json:"host_user_id"`
	HostName   string `json:"host_name"`

	PasswordHash *string `json:"-"`
	JoinToken    string  `json:"join_token" gorm:"uniqueIndex"`
	JoinCode     string  `json:"join_code" gorm:"uniqueIndex:uix_call_sessions_open_code,where:state = 0"`

	State   SessionState `json:"state"`
	EndedAt *time.Time   `json:"ended_at"`

	// Media caches the room coordinates handed out by the SFU so every
	// joiner after the first reuses them, across restarts included.
	Media datatypes.JSONMap `json:"media"`
}

func (v CallSession) RoomName() string {
	return fmt.Sprintf("greenroom-%d-%d", v.EpisodeID, v.ID)
}

func (v CallSession) RequiresPassword() bool {
	return v.PasswordHash != nil && len(*v.PasswordHash) > 0
}

func (v CallSession) DisplayText() string {
	if len(v.PodcastTitle) > 0 {
		return fmt.Sprintf("%s - %s", v.PodcastTitle, v.EpisodeTitle)
	}
	return v.EpisodeTitle
}
