package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/deck"
	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/engine"
	"github.com/betbot/stakepilot/internal/risk"
	"github.com/betbot/stakepilot/pkg/cache"
	"github.com/betbot/stakepilot/pkg/ratelimit"
)

var log = logrus.WithField("module", "api")

// Engine HTTP 层用到的引擎能力
type Engine interface {
	Decide(ctx context.Context, h engine.Hand) (domain.Advice, error)
	Settings() domain.Settings
	K() float64
	SetK(ctx context.Context, k float64) error
	LastObserved() (elapsedMinutes float64, activeTables int)
	Initialize(ctx context.Context, targetUnits, targetMinutes float64) error
	SetMissionParameters(ctx context.Context, targetUnits, totalMinutes float64, totalTables int) error
	MissionInfo(ctx context.Context) (domain.MissionInfo, error)
	MissionSnapshot(ctx context.Context, elapsedMinutes float64, activeTables int) (domain.MissionSnapshot, error)
	MissionEvaluation(ctx context.Context, elapsedMinutes float64, activeTables int) (domain.Evaluation, error)
	History(ctx context.Context, tableID int) ([]domain.Outcome, error)
	ResetTable(ctx context.Context, tableID int) error
	ResetShoe(ctx context.Context) error
	HeavyCount(ctx context.Context) (int, error)
	Global(ctx context.Context) (domain.GlobalState, error)
	OnAdvice(fn func(domain.Advice))
}

// Options 服务参数
type Options struct {
	Users          map[string]string // 用户名 -> bcrypt 哈希
	AuthCacheTTL   time.Duration
	ActiveTableTTL time.Duration
	RateLimit      float64 // 每个客户端每秒补充的请求数，<=0 不限流
	RateBurst      int

	// 连续决策失败熔断，<=0 关闭
	BreakerErrors   int64
	BreakerCooldown time.Duration
}

// Server HTTP 接入层
type Server struct {
	engine     Engine
	tracker    *deck.Tracker
	auth       *Authenticator
	active     *cache.ActiveSet
	limiter    *ratelimit.Keyed
	hub        *Hub
	breaker    *risk.CircuitBreaker
	instanceID string
}

// New 创建服务并把引擎的建议接入推送
func New(eng Engine, tracker *deck.Tracker, opts Options) *Server {
	ttl := opts.ActiveTableTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{
		MaxConsecutiveErrors: opts.BreakerErrors,
		Cooldown:             opts.BreakerCooldown,
	})
	s := &Server{
		engine:     eng,
		tracker:    tracker,
		auth:       NewAuthenticator(opts.Users, opts.AuthCacheTTL),
		active:     cache.NewActiveSet(ttl),
		hub:        NewHub(),
		breaker:    breaker,
		instanceID: uuid.NewString(),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		s.limiter = ratelimit.NewKeyed(burst, opts.RateLimit)
	}
	eng.OnAdvice(s.hub.PublishAdvice)
	return s
}

// Hub 推送中心
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close 断开推送并停止后台清理
func (s *Server) Close() {
	s.hub.Close()
	s.auth.Close()
	s.active.Close()
}

// Router 路由
func (s *Server) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())

	r.GET("/healthz", func(c *gin.Context) {
		status := "ok"
		if s.breaker.Open() {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "instance": s.instanceID})
	})

	legacy := r.Group("/", s.rateLimit())
	legacy.GET("/hand", s.handleLegacyHand)
	legacy.POST("/hand", s.handleLegacyHand)

	api := r.Group("/api", s.rateLimit(), s.basicAuth())
	api.POST("/decide", s.handleDecide)

	mission := api.Group("/mission")
	mission.GET("", s.handleMission)
	mission.GET("/info", s.handleMissionInfo)
	mission.POST("/init", s.handleMissionInit)
	mission.PUT("/params", s.handleMissionParams)

	tables := api.Group("/tables/:id")
	tables.GET("/history", s.handleTableHistory)
	tables.POST("/reset", s.handleTableReset)

	api.POST("/shoe/reset", s.handleShoeReset)
	api.GET("/heavy", s.handleHeavy)
	api.GET("/k", s.handleGetK)
	api.PUT("/k", s.handleSetK)
	api.GET("/stream", s.hub.ServeWS)

	return r
}

// decide 经过断路器的决策
func (s *Server) decide(ctx context.Context, h engine.Hand) (domain.Advice, error) {
	if err := s.breaker.Allow(); err != nil {
		return domain.Advice{}, err
	}
	adv, err := s.engine.Decide(ctx, h)
	if err != nil {
		s.breaker.OnError()
		if s.breaker.Open() {
			log.Warnf("连续决策失败，断路器已打开: %v", err)
		}
		return adv, err
	}
	s.breaker.OnSuccess()
	return adv, nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)

		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"request_id": id,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
		}).Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) basicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || !s.auth.Verify(user, pass) {
			c.Header("WWW-Authenticate", `Basic realm="stakepilot"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}
