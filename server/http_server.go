package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
	"github.com/AvaProtocol/ap-bundler/core/bundlererr"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const (
	defaultBatchLimit = 20
	maxBatchLimit     = 200
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type sendUserOpRequest struct {
	UserOperation *userop.UserOperation `json:"userOperation"`
	EntryPoint    *common.Address       `json:"entryPoint,omitempty"`
}

type bundlingModeRequest struct {
	Mode string `json:"mode"`
}

func (srv *Server) startHttpServer() {
	e, err := srv.buildHttpServer()
	if err != nil {
		srv.logger.Error("cannot build http server", "error", err)
		return
	}
	srv.http = e

	addr := srv.config.ServerAddress
	srv.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			srv.logger.Error("HTTP server stopped", "address", addr, "error", err)
		}
	})
}

// buildHttpServer wires REST, JSON-RPC on / and /rpc, and the admin group.
func (srv *Server) buildHttpServer() (*echo.Echo, error) {
	rpcServer, err := newRPCServer(srv.bundler, srv.config.EnableDebugRpc)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())

	// Register Sentry before Recover so panics are reported
	if srv.config.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.BodyLimit("1M"))

	origins := srv.config.CorsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	if srv.config.RateLimitRps > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(srv.config.RateLimitRps))))
	}

	e.GET("/up", func(c echo.Context) error {
		if srv.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}

		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/health", func(c echo.Context) error {
		h := srv.bundler.Health()
		code := http.StatusOK
		if !h.Healthy() {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	})

	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[bundler.Stats]{Data: srv.bundler.Stats()})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{})))

	e.POST("/sendUserOperation", srv.sendUserOperation)

	e.GET("/getUserOperation/:hash", func(c echo.Context) error {
		hash, err := hashParam(c)
		if err != nil {
			return respondError(c, err)
		}
		info, err := lookupUserOp(srv.bundler, hash)
		if err != nil {
			return respondError(c, err)
		}
		if info == nil {
			return respondError(c, bundlererr.NewNotFoundError(hash))
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[*UserOperationInfo]{Data: info})
	})

	e.GET("/pendingUserOperations", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]*UserOperationInfo]{
			Data: dumpInfo(srv.bundler, srv.bundler.ListPending()),
		})
	})

	e.GET("/receipt/:hash", func(c echo.Context) error {
		hash, err := hashParam(c)
		if err != nil {
			return respondError(c, err)
		}
		outcome, err := srv.bundler.GetReceipt(hash)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[*bundler.Outcome]{Data: outcome})
	})

	e.GET("/batches", func(c echo.Context) error {
		limit := defaultBatchLimit
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return respondError(c, bundlererr.NewMalformedError("limit", "must be a positive integer"))
			}
			limit = min(n, maxBatchLimit)
		}
		records, err := srv.bundler.RecentBatches(limit)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[[]*bundler.BatchRecord]{Data: records})
	})

	debug := e.Group("/debug", srv.requireAdmin)
	debug.POST("/clear", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]int]{Data: map[string]int{"cleared": srv.bundler.Clear()}})
	})
	debug.GET("/dump", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[[]*UserOperationInfo]{Data: dumpInfo(srv.bundler, srv.bundler.Dump())})
	})
	debug.POST("/send-bundle", func(c echo.Context) error {
		result, err := srv.bundler.SendBundleNow(c.Request().Context())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]interface{}]{Data: map[string]interface{}{
			"batchId":         result.BatchID,
			"transactionHash": result.TransactionHash,
			"outcomes":        result.Outcomes,
		}})
	})
	debug.POST("/bundling-mode", func(c echo.Context) error {
		var req bundlingModeRequest
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return respondError(c, bundlererr.NewMalformedError("body", err.Error()))
		}
		if err := srv.bundler.SetBundlingMode(bundler.BundlingMode(req.Mode)); err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[bundlingModeRequest]{Data: bundlingModeRequest{Mode: string(srv.bundler.BundlingMode())}})
	})

	rpcHandler := echo.WrapHandler(rpcServer)
	e.POST("/", rpcHandler)
	e.POST("/rpc", rpcHandler)

	return e, nil
}

func (srv *Server) sendUserOperation(c echo.Context) error {
	var req sendUserOpRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return respondError(c, bundlererr.NewMalformedError("body", err.Error()))
	}
	if req.UserOperation == nil {
		return respondError(c, bundlererr.NewMalformedError("userOperation", "missing"))
	}
	if req.EntryPoint != nil && *req.EntryPoint != srv.bundler.EntryPoint() {
		return respondError(c, bundlererr.NewUnsupportedEntryPointError(*req.EntryPoint, srv.bundler.EntryPoint()))
	}

	hash, err := srv.bundler.AddUserOp(c.Request().Context(), req.UserOperation)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &HttpJsonResp[map[string]common.Hash]{Data: map[string]common.Hash{"userOpHash": hash}})
}

func hashParam(c echo.Context) (common.Hash, error) {
	raw, err := hexutil.Decode(c.Param("hash"))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, bundlererr.NewMalformedError("hash", "expected a 0x prefixed 32 byte hex string")
	}
	return common.BytesToHash(raw), nil
}
