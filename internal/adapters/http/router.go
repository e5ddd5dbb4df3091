package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/pairline/internal/adapters/signal"
	"github.com/dkeye/pairline/internal/app"
	"github.com/dkeye/pairline/internal/config"
	"github.com/dkeye/pairline/internal/core"
	"github.com/dkeye/pairline/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Deps are the server components the routes call into.
type Deps struct {
	Registry *app.Registry
	Router   *app.Router
	Store    core.MessageStore
}

type joinRequest struct {
	ID       string `json:"id" binding:"required,max=64"`
	Username string `json:"username" binding:"required,max=36"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PairlineSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(deps.Registry, deps.Router, signal.Config{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})

	api := r.Group("/api")

	api.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pairline signaling server"})
	})

	api.GET("/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Registry.Snapshot())
	})

	api.GET("/messages/:user1/:user2", func(c *gin.Context) {
		msgs, err := deps.Store.Conversation(c.Request.Context(), domain.UserID(c.Param("user1")), domain.UserID(c.Param("user2")))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("conversation query")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	api.GET("/messages/unread/:user_id", func(c *gin.Context) {
		msgs, err := deps.Store.Unread(c.Request.Context(), domain.UserID(c.Param("user_id")))
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("unread query")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	api.POST("/messages/:message_id/read", func(c *gin.Context) {
		err := deps.Store.MarkRead(c.Request.Context(), c.Param("message_id"))
		switch {
		case errors.Is(err, core.ErrMessageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case err != nil:
			log.Error().Err(err).Str("module", "adapters.http").Msg("mark read")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark message read"})
		default:
			c.Status(http.StatusNoContent)
		}
	})

	api.POST("/session", func(c *gin.Context) {
		var jr joinRequest
		if err := c.ShouldBindJSON(&jr); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := domain.NewUser(domain.UserID(jr.ID), jr.Username)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s := sessions.Default(c)
		s.Set("user_id", string(user.ID))
		s.Set("username", user.Username)
		if err := s.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save session"})
			return
		}
		c.JSON(http.StatusOK, user)
	})

	api.GET("/session", func(c *gin.Context) {
		s := sessions.Default(c)
		id, _ := s.Get("user_id").(string)
		username, _ := s.Get("username").(string)
		if id == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
			return
		}
		c.JSON(http.StatusOK, domain.User{ID: domain.UserID(id), Username: username})
	})

	api.GET("/ws/:user_id/:username", func(c *gin.Context) {
		user, err := domain.NewUser(domain.UserID(c.Param("user_id")), c.Param("username"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Str("user", string(user.ID)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c, user)
	})

	return r
}
