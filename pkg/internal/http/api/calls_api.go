package api

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	"github.com/wavefarer/greenroom/pkg/internal/http/exts"
	"github.com/wavefarer/greenroom/pkg/internal/services"
)

func startCall(c *fiber.Ctx) error {
	userID := c.Locals("userId").(uint)
	userName := c.Locals("userName").(string)

	episodeID, err := strconv.ParseUint(c.Params("episodeId"), 10, 32)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed episode id")
	}

	var data struct {
		EpisodeTitle string `json:"episode_title" validate:"required,max=256"`
		PodcastTitle string `json:"podcast_title" validate:"max=256"`
		Password     string `json:"password" validate:"max=128"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	session, err := services.NewCallSession(
		uint(episodeID),
		userID,
		userName,
		data.EpisodeTitle,
		data.PodcastTitle,
		data.Password,
	)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	// Spin the worker up right away so the media room gets allocated and
	// an abandoned session still times out through the grace window.
	services.Hub.GetOrSpawn(session)

	return c.JSON(fiber.Map{
		"session_id": session.ID,
		"token":      session.JoinToken,
		"join_code":  session.JoinCode,
		"join_url":   fmt.Sprintf("%s/join/%s", viper.GetString("frontend"), session.JoinToken),
	})
}

func getOngoingCall(c *fiber.Ctx) error {
	userID := c.Locals("userId").(uint)

	episodeID, err := strconv.ParseUint(c.Params("episodeId"), 10, 32)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed episode id")
	}

	session, err := services.GetOngoingSession(uint(episodeID))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if session.HostUserID != userID {
		return fiber.NewError(fiber.StatusForbidden, "this session does not belong to you")
	}

	return c.JSON(session)
}

func endCall(c *fiber.Ctx) error {
	userID := c.Locals("userId").(uint)

	sessionID, err := strconv.ParseUint(c.Params("sessionId"), 10, 32)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed session id")
	}

	session, err := services.GetSession(uint(sessionID))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	if session.HostUserID != userID {
		return fiber.NewError(fiber.StatusForbidden, "this session does not belong to you")
	}

	if actor, ok := services.Hub.Get(session.ID); ok {
		actor.EndFromOutside()
	} else if err := services.EndCallSession(session); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func getJoinInfo(c *fiber.Ctx) error {
	session, err := services.GetSessionByToken(c.Params("token"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	return c.JSON(fiber.Map{
		"podcast_title":     session.PodcastTitle,
		"episode_title":     session.EpisodeTitle,
		"host_name":         session.HostName,
		"password_required": session.RequiresPassword(),
	})
}

func resolveJoinCode(c *fiber.Ctx) error {
	session, err := services.GetSessionByCode(c.Params("code"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	return c.JSON(fiber.Map{
		"token": session.JoinToken,
	})
}
