package server

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

const (
	// authScheme is the literal, case-sensitive Authorization prefix.
	authScheme     = "TOKEN "
	authCacheTTL   = 5 * time.Minute
	authCacheSweep = 10 * time.Minute

	// currentUserKey stores the authenticated user on the echo context.
	currentUserKey = "exchange.user"
)

// authenticate resolves the api key carried in the Authorization header.
// Successful lookups are cached; the entry is dropped when the user is
// deleted.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(header, authScheme) {
			return apperr.E(apperr.KindUnauthorized, "missing or malformed authorization header")
		}
		key := strings.TrimPrefix(header, authScheme)

		if cached, ok := s.keys.Get(key); ok {
			c.Set(currentUserKey, cached.(*models.User))
			return next(c)
		}

		user, err := s.engine.Authenticate(c.Request().Context(), key)
		if err != nil {
			return err
		}
		s.keys.SetDefault(key, user)
		c.Set(currentUserKey, user)
		return next(c)
	}
}

// requireAdmin runs after authenticate on the admin group.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if currentUser(c).Role != models.RoleAdmin {
			return apperr.E(apperr.KindForbidden, "admin role required")
		}
		return next(c)
	}
}

func currentUser(c echo.Context) *models.User {
	u, _ := c.Get(currentUserKey).(*models.User)
	return u
}
