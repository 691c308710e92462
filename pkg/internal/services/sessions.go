package services

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/wavefarer/greenroom/pkg/internal/database"
	"github.com/wavefarer/greenroom/pkg/internal/models"
)

var ErrSessionNotFound = errors.New("no such call session")

const joinCodeAttempts = 32

// GenerateJoinCode produces a 4-digit code that is not currently taken by
// any open session. Retries are bounded so a saturated code space surfaces
// as an error instead of a spin.
func GenerateJoinCode(taken func(code string) bool) (string, error) {
	for i := 0; i < joinCodeAttempts; i++ {
		code := fmt.Sprintf("%04d", rand.Intn(10000))
		if !taken(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("unable to allocate a join code within %d attempts", joinCodeAttempts)
}

func HashSessionPassword(password string) (*string, error) {
	if len(password) == 0 {
		return nil, nil
	}
	raw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return lo.ToPtr(string(raw)), nil
}

func CheckSessionPassword(session models.CallSession, password string) bool {
	if !session.RequiresPassword() {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(*session.PasswordHash), []byte(password)) == nil
}

func isJoinCodeTaken(code string) bool {
	var count int64
	if err := database.C.Model(&models.CallSession{}).
		Where("join_code = ? AND state = ?", code, models.SessionStateOpen).
		Count(&count).Error; err != nil {
		log.Warn().Err(err).Msg("An error occurred when checking join code collision...")
		return true
	}
	return count > 0
}

func NewCallSession(episodeID uint, hostUserID uint, hostName, episodeTitle, podcastTitle, password string) (models.CallSession, error) {
	var session models.CallSession

	if _, err := GetOngoingSession(episodeID); err == nil {
		return session, fmt.Errorf("this episode already has an ongoing call")
	} else if !errors.Is(err, ErrSessionNotFound) {
		return session, err
	}

	hash, err := HashSessionPassword(password)
	if err != nil {
		return session, err
	}

	// The lookup above is only advisory; the partial unique indexes on
	// (episode, state) and (join_code, state) are what hold under
	// concurrent starts. A duplicated key on a freshly drawn code just
	// means a collision slipped past the check, so the code is redrawn.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := GenerateJoinCode(isJoinCodeTaken)
		if err != nil {
			return session, err
		}

		session = models.CallSession{
			EpisodeID:    episodeID,
			EpisodeTitle: episodeTitle,
			PodcastTitle: podcastTitle,
			HostUserID:   hostUserID,
			HostName:     hostName,
			PasswordHash: hash,
			JoinToken:    uuid.NewString(),
			JoinCode:     code,
			State:        models.SessionStateOpen,
		}

		if err := database.C.Create(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return session, err
		}
		return session, nil
	}

	return session, fmt.Errorf("this episode already has an ongoing call")
}

func GetSession(id uint) (models.CallSession, error) {
	var session models.CallSession
	if err := database.C.
		Where("id = ? AND state = ?", id, models.SessionStateOpen).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrSessionNotFound
		}
		return session, err
	}
	return session, nil
}

func GetSessionByToken(token string) (models.CallSession, error) {
	var session models.CallSession
	if err := database.C.
		Where("join_token = ? AND state = ?", token, models.SessionStateOpen).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrSessionNotFound
		}
		return session, err
	}
	return session, nil
}

func GetSessionByCode(code string) (models.CallSession, error) {
	var session models.CallSession
	if err := database.C.
		Where("join_code = ? AND state = ?", code, models.SessionStateOpen).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrSessionNotFound
		}
		return session, err
	}
	return session, nil
}

func GetOngoingSession(episodeID uint) (models.CallSession, error) {
	var session models.CallSession
	if err := database.C.
		Where(models.CallSession{EpisodeID: episodeID, State: models.SessionStateOpen}).
		Order("created_at DESC").
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrSessionNotFound
		}
		return session, err
	}
	return session, nil
}

// SaveSessionMedia persists allocated room coordinates onto the session row
// so a restarted node can hand them out without renegotiating with the SFU.
func SaveSessionMedia(session *models.CallSession, roomID, url string) error {
	session.Media = map[string]any{
		"room_id": roomID,
		"url":     url,
	}
	return database.C.Model(session).Update("media", session.Media).Error
}

func EndCallSession(session models.CallSession) error {
	session.State = models.SessionStateEnded
	session.EndedAt = lo.ToPtr(time.Now())

	if err := database.C.Save(&session).Error; err != nil {
		return err
	}

	log.Info().Uint("session", session.ID).Uint("episode", session.EpisodeID).Msg("Call session ended.")
	return nil
}
