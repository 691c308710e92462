package api

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/wavefarer/greenroom/pkg/internal/models"
	"github.com/wavefarer/greenroom/pkg/internal/services"
)

const (
	maxMalformedFrames = 8
	readDeadlineSlack  = 90 * time.Second
)

// signalGateway upgrades one browser tab into the signaling protocol. The
// first meaningful frame must be a host or guest identity packet; it
// resolves the session and binds the connection to that session's worker.
// Everything after that is the worker's business.
func signalGateway(c *websocket.Conn) {
	var userID uint
	var userName string
	if tk := c.Query("tk"); len(tk) > 0 {
		if id, name, err := ParseUserToken(tk); err == nil {
			userID, userName = id, name
		}
	}

	client := services.NewSignalConn(c)
	var actor *services.CallActor
	malformed := 0

	defer func() {
		if actor != nil {
			actor.Forget(client)
		}
		client.Close()
	}()

	for {
		_ = c.SetReadDeadline(time.Now().Add(readDeadlineSlack))
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}

		var packet models.ClientPacket
		if err := jsoniter.Unmarshal(raw, &packet); err != nil || len(packet.Type) == 0 {
			malformed++
			client.Send(models.ServerPacket{
				Type:  models.PacketError,
				Error: "unable to unmarshal your packet, requires json with a type field",
			})
			if malformed >= maxMalformedFrames {
				return
			}
			continue
		}

		if actor == nil {
			switch packet.Type {
			case models.PacketHost:
				session, err := services.GetSession(packet.SessionID)
				if err != nil {
					client.Send(models.ServerPacketFromError(err))
					return
				}
				if len(packet.Name) == 0 {
					packet.Name = userName
				}
				actor = services.Hub.GetOrSpawn(session)
			case models.PacketGuest:
				session, err := services.GetSessionByToken(packet.Token)
				if err != nil {
					client.Send(models.ServerPacketFromError(err))
					return
				}
				actor = services.Hub.GetOrSpawn(session)
			case models.PacketHeartbeat:
				continue
			default:
				client.Send(models.ServerPacket{
					Type:  models.PacketError,
					Error: "identify with a host or guest packet first",
				})
				continue
			}
			log.Debug().
				Str("type", packet.Type).
				Uint("user", userID).
				Msg("Signaling connection bound to a session.")
		}

		if !actor.Deliver(client, userID, packet) {
			return
		}
	}
}
