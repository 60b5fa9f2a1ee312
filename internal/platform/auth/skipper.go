package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass bearer authentication. The Stripe webhook authenticates
// with its own signature header.
var publicPaths = map[string]bool{
	"/health":                         true,
	"/health/db":                      true,
	"/api/v1/payments/stripe/webhook": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
