package services

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/viper"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

// SegmentIngestor hands a finished call capture to the episode-building
// pipeline. Durability and retries beyond this call belong to the pipeline.
type SegmentIngestor interface {
	IngestSegment(ctx context.Context, session models.CallSession, fileURL string) error
}

type studioIngestor struct {
	client *resty.Client
}

func NewStudioIngestor() SegmentIngestor {
	client := resty.New().
		SetBaseURL(viper.GetString("studio.endpoint")).
		SetAuthToken(viper.GetString("studio.api_token"))

	return &studioIngestor{client: client}
}

func (v *studioIngestor) IngestSegment(ctx context.Context, session models.CallSession, fileURL string) error {
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"session_id": session.ID,
			"episode_id": session.EpisodeID,
			"file_url":   fileURL,
		}).
		Post("/api/segments/ingest")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("segment ingestion replied %s: %s", resp.Status(), resp.String())
	}

	return nil
}
