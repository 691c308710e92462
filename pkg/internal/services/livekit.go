package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/wavefarer/greenroom/pkg/internal/models"
)

// ErrMediaUnavailable is what every SFU-side failure collapses into; the
// session worker degrades to chat and roster instead of failing the call.
var ErrMediaUnavailable = errors.New("media transport unavailable")

type RoomInfo struct {
	RoomID string
	URL    string
}

// MediaBridge is the seam between the signaling engine and the SFU. The
// production implementation talks to LiveKit; tests swap in fakes.
type MediaBridge interface {
	AllocateRoom(ctx context.Context, session *models.CallSession) (RoomInfo, error)
	JoinToken(session models.CallSession, participant models.Participant) (string, error)
	RemoveParticipant(ctx context.Context, session models.CallSession, identity string) error
	DeleteRoom(ctx context.Context, session models.CallSession) error
	StartCapture(ctx context.Context, session models.CallSession) (string, error)
	StopCapture(ctx context.Context, egressID string) (string, error)
}

var Lk *lksdk.RoomServiceClient
var LkEgress *lksdk.EgressClient

func SetupLiveKit() {
	host := "https://" + viper.GetString("calling.endpoint")

	Lk = lksdk.NewRoomServiceClient(
		host,
		viper.GetString("calling.api_key"),
		viper.GetString("calling.api_secret"),
	)
	LkEgress = lksdk.NewEgressClient(
		host,
		viper.GetString("calling.api_key"),
		viper.GetString("calling.api_secret"),
	)
}

type liveKitBridge struct{}

func NewLiveKitBridge() MediaBridge {
	return liveKitBridge{}
}

func (liveKitBridge) AllocateRoom(ctx context.Context, session *models.CallSession) (RoomInfo, error) {
	if cached, ok := sessionMediaCache(*session); ok {
		return cached, nil
	}

	_, err := Lk.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            session.RoomName(),
		EmptyTimeout:    viper.GetUint32("calling.empty_timeout_duration"),
		MaxParticipants: viper.GetUint32("calling.max_participants"),
	})
	if err != nil {
		log.Warn().Err(err).Str("room", session.RoomName()).Msg("Unable to create room at livekit side...")
		return RoomInfo{}, ErrMediaUnavailable
	}

	info := RoomInfo{
		RoomID: session.RoomName(),
		URL:    "wss://" + viper.GetString("calling.endpoint"),
	}
	if err := SaveSessionMedia(session, info.RoomID, info.URL); err != nil {
		log.Warn().Err(err).Msg("An error occurred when caching room coordinates...")
	}

	return info, nil
}

func sessionMediaCache(session models.CallSession) (RoomInfo, bool) {
	if session.Media == nil {
		return RoomInfo{}, false
	}
	roomID, _ := session.Media["room_id"].(string)
	url, _ := session.Media["url"].(string)
	if len(roomID) == 0 || len(url) == 0 {
		return RoomInfo{}, false
	}
	return RoomInfo{RoomID: roomID, URL: url}, true
}

func (liveKitBridge) JoinToken(session models.CallSession, participant models.Participant) (string, error) {
	grant := &auth.VideoGrant{
		Room:      session.RoomName(),
		RoomJoin:  true,
		RoomAdmin: participant.Role == models.ParticipantRoleHost,
	}

	duration := time.Second * time.Duration(viper.GetInt("calling.token_duration"))
	tk := auth.NewAccessToken(viper.GetString("calling.api_key"), viper.GetString("calling.api_secret"))
	tk.AddGrant(grant).
		SetIdentity(participant.ID).
		SetName(participant.Name).
		SetValidFor(duration)

	return tk.ToJWT()
}

func (liveKitBridge) RemoveParticipant(ctx context.Context, session models.CallSession, identity string) error {
	_, err := Lk.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     session.RoomName(),
		Identity: identity,
	})
	return err
}

func (liveKitBridge) DeleteRoom(ctx context.Context, session models.CallSession) error {
	_, err := Lk.DeleteRoom(ctx, &livekit.DeleteRoomRequest{
		Room: session.RoomName(),
	})
	return err
}

func (liveKitBridge) StartCapture(ctx context.Context, session models.CallSession) (string, error) {
	res, err := LkEgress.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
		RoomName:  session.RoomName(),
		AudioOnly: true,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_OGG,
			Filepath: fmt.Sprintf("segments/%s-{time}.ogg", session.RoomName()),
		}},
	})
	if err != nil {
		return "", err
	}
	return res.EgressId, nil
}

func (liveKitBridge) StopCapture(ctx context.Context, egressID string) (string, error) {
	res, err := LkEgress.StopEgress(ctx, &livekit.StopEgressRequest{
		EgressId: egressID,
	})
	if err != nil {
		return "", err
	}

	for _, file := range res.GetFileResults() {
		if len(file.Location) > 0 {
			return file.Location, nil
		}
		if len(file.Filename) > 0 {
			return file.Filename, nil
		}
	}

	return "", fmt.Errorf("egress %s finished without a file result", egressID)
}
