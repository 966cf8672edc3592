package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and practice resolution. The websocket
// endpoint authenticates itself with a token query parameter.
var publicPaths = map[string]bool{
	"/health":                  true,
	"/health/db":               true,
	"/ws":                      true,
	"/api/v1/auth/login":       true,
	"/api/v1/auth/refresh":     true,
	"/api/v1/payments/webhook": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
