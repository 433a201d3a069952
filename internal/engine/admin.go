package engine

import (
	"net/http"

	"callbridge/internal/auth"
	"callbridge/internal/billing"
	"callbridge/internal/config"
	"callbridge/internal/firewall"
	"callbridge/internal/models"
	"callbridge/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type AdminAPI struct {
	coord   *Coordinator
	billing *billing.Driver
	store   *store.Store
	auth    *auth.Manager
	fw      *firewall.Firewall
	cfg     *config.Config
}

func NewAdminAPI(coord *Coordinator, driver *billing.Driver, st *store.Store, authMgr *auth.Manager, fw *firewall.Firewall, cfg *config.Config) *AdminAPI {
	return &AdminAPI{
		coord:   coord,
		billing: driver,
		store:   st,
		auth:    authMgr,
		fw:      fw,
		cfg:     cfg,
	}
}

func (a *AdminAPI) Start(addr string) error {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE},
	}))

	// Metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// ─── Auth ────────────────────────────────────────────
	e.POST("/api/login", a.login)

	// ─── Stats ───────────────────────────────────────────
	e.GET("/api/stats", a.getStats)

	// ─── User Management ─────────────────────────────────
	e.GET("/api/users", a.listUsers)
	e.POST("/api/users", a.createUser)
	e.DELETE("/api/users/:id", a.deleteUser)
	e.POST("/api/users/:id/recharge", a.recharge)
	e.GET("/api/users/:id/wallet", a.walletEntries)

	// ─── Calls ───────────────────────────────────────────
	e.GET("/api/calls/active", a.listActiveCalls)
	e.GET("/api/calls/history", a.listCallHistory)

	// ─── System ──────────────────────────────────────────
	e.GET("/api/config", a.getConfig)
	e.GET("/api/firewall/blacklist", a.getBlacklist)

	return e.Start(addr)
}

// ─── Auth ────────────────────────────────────────────────────────────────────

func (a *AdminAPI) login(c echo.Context) error {
	var req struct {
		ID       string `json:"id"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	user, err := a.store.Authenticate(req.ID, req.Password)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	token, err := a.auth.GenerateToken(user.ID, user.Role)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func (a *AdminAPI) getStats(c echo.Context) error {
	calls := a.billing.ActiveCalls()
	users, _ := a.store.ListUsers()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active_calls":  len(calls),
		"online_users":  len(a.coord.Presence().OnlineUsers()),
		"total_users":   len(users),
		"system_status": "operational",
	})
}

// ─── Users ───────────────────────────────────────────────────────────────────

func (a *AdminAPI) listUsers(c echo.Context) error {
	users, err := a.store.ListUsers()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, users)
}

func (a *AdminAPI) createUser(c echo.Context) error {
	var user models.User
	if err := c.Bind(&user); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if user.ID == "" || user.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id and password are required"})
	}
	if user.Role == "" {
		user.Role = "caller"
	}
	if err := a.store.CreateUser(user); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	user.Password = ""
	return c.JSON(http.StatusCreated, user)
}

func (a *AdminAPI) deleteUser(c echo.Context) error {
	if err := a.store.DeleteUser(c.Param("id")); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusOK)
}

func (a *AdminAPI) recharge(c echo.Context) error {
	var data struct {
		Amount float64 `json:"amount"`
	}
	if err := c.Bind(&data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	balance, err := a.store.Recharge(c.Param("id"), data.Amount)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]float64{"balance": balance})
}

func (a *AdminAPI) walletEntries(c echo.Context) error {
	entries, err := a.store.WalletEntries(c.Param("id"), 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, entries)
}

// ─── Calls ───────────────────────────────────────────────────────────────────

func (a *AdminAPI) listActiveCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, a.billing.ActiveCalls())
}

func (a *AdminAPI) listCallHistory(c echo.Context) error {
	records, err := a.store.ListCalls(100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, records)
}

// ─── System ──────────────────────────────────────────────────────────────────

func (a *AdminAPI) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"rate_per_minute":  a.cfg.RatePerMinute,
		"commission_pct":   a.cfg.CommissionPct,
		"billing_interval": a.cfg.BillingInterval.String(),
		"ring_timeout":     a.cfg.RingTimeout.String(),
		"queue_timeout":    a.cfg.QueueTimeout.String(),
		"match_role":       a.cfg.MatchRole,
	})
}

func (a *AdminAPI) getBlacklist(c echo.Context) error {
	return c.JSON(http.StatusOK, a.fw.Blacklist())
}
