package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/AvaProtocol/ap-bundler/core/auth"
)

const codeUnauthorized = -32001

// requireAdmin accepts an admin API key signed with jwt_secret, or a fresh
// token signed by the bundler signer key.
func (srv *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := auth.VerifyAdmin(
			c.Request().Header.Get(echo.HeaderAuthorization),
			srv.config.JwtSecret,
			srv.config.SignerAddress,
			srv.now(),
		)
		if err != nil {
			srv.logger.Warn("admin request rejected", "path", c.Path(), "remote", c.RealIP(), "error", err)
			return c.JSON(http.StatusUnauthorized, &HttpErrorResp{Error: httpError{
				Code:    codeUnauthorized,
				Message: auth.ErrorUnAuthorized.Error(),
			}})
		}
		return next(c)
	}
}
