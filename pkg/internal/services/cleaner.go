package services

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/wavefarer/greenroom/pkg/internal/database"
	"github.com/wavefarer/greenroom/pkg/internal/models"
)

// DoAutoDatabaseCleanup closes sessions that were left Open with no worker
// to end them (e.g. across a restart) and purges old Ended rows.
func DoAutoDatabaseCleanup() {
	retention := durationOrDefault(viper.GetDuration("signaling.session_retention"), 30*24*time.Hour)
	staleAfter := durationOrDefault(viper.GetDuration("signaling.stale_session_after"), 24*time.Hour)

	var count int64

	var orphans []models.CallSession
	if err := database.C.
		Where("state = ? AND updated_at < ?", models.SessionStateOpen, time.Now().Add(-staleAfter)).
		Find(&orphans).Error; err != nil {
		log.Error().Err(err).Msg("An error occurred when looking up orphaned sessions...")
	} else {
		for _, session := range orphans {
			if Hub != nil && Hub.Active(session.ID) {
				continue
			}
			if err := EndCallSession(session); err != nil {
				log.Error().Err(err).Uint("session", session.ID).Msg("An error occurred when closing orphaned session...")
				continue
			}
			count++
		}
	}

	tx := database.C.Unscoped().
		Delete(&models.CallSession{}, "state = ? AND ended_at < ?", models.SessionStateEnded, time.Now().Add(-retention))
	if tx.Error != nil {
		log.Error().Err(tx.Error).Msg("An error occurred when purging ended sessions...")
	} else {
		count += tx.RowsAffected
	}

	log.Debug().Int64("affected", count).Msg("Clean up entire database accomplished.")
}
