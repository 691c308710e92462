package api

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

// The studio platform issues short-lived HS256 tokens for its signed-in
// users; hosts carry one into the REST surface and the signaling gateway.

type platformClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

func ParseUserToken(token string) (uint, string, error) {
	var claims platformClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(viper.GetString("security.jwt_secret")), nil
	})
	if err != nil {
		return 0, "", err
	}

	var userID uint
	if _, err := fmt.Sscanf(claims.Subject, "%d", &userID); err != nil || userID == 0 {
		return 0, "", fmt.Errorf("malformed subject claim")
	}

	return userID, claims.Name, nil
}

func authMiddleware(c *fiber.Ctx) error {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if len(token) == 0 {
		token = c.Query("tk")
	}
	if len(token) == 0 {
		return fiber.NewError(fiber.StatusUnauthorized, "missing credentials")
	}

	userID, name, err := ParseUserToken(token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	c.Locals("userId", userID)
	c.Locals("userName", name)

	return c.Next()
}
