package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

func MapAPIs(app *fiber.App, baseURL string) {
	api := app.Group(baseURL).Name("API")
	{
		api.Get("/join/code/:code", resolveJoinCode)
		api.Get("/join/:token", getJoinInfo)

		api.Get("/signal", websocket.New(signalGateway))

		episodes := api.Group("/episodes/:episodeId").Name("Episode Calls API")
		{
			episodes.Get("/calls/ongoing", authMiddleware, getOngoingCall)
			episodes.Post("/calls", authMiddleware, startCall)
		}

		api.Delete("/calls/:sessionId", authMiddleware, endCall)
	}
}
