package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	transport "github.com/dkeye/voicemesh/internal/transport/http"
)

const clientTokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every client a stable id kept in the cookie
// session. The id is the client's peer id in rooms.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	sc := cfg.Server
	if sc.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if sc.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(sc.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("VoiceMeshSessions", store))
	r.Use(ClientTokenMiddleware())

	if sc.StaticPath != "" {
		r.Static("/static", sc.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(sc.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", transport.Healthz)

	log.Info().Str("module", "adapters.http").Str("static", sc.StaticPath).Msg("router setup")

	api := r.Group("/api")
	handlers := &transport.Handlers{Orch: o, ICEServers: cfg.ICE.Servers}
	handlers.Register(api)

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  sc.ReadLimit,
		PingPeriod: sc.PingPeriod,
		SendBuffer: sc.SendBuffer,
		JoinLimit:  sc.JoinLimit,
		JoinWindow: sc.JoinWindow,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
