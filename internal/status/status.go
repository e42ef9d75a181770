// Copyright 2023-2025 Stallguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package status serves the daemon's administrative HTTP surface:
// health, stats, the privileged control requests and the metrics
// scrape endpoint.
package status

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/pkg/cache"
	"github.com/stallguard/stallguard/pkg/delivery"
	"github.com/stallguard/stallguard/pkg/metrics"
)

// StatusService is the admin server. It binds to the loopback address
// by default; the control endpoint additionally requires the admin
// token when one is configured.
type StatusService struct {
	srv        *http.Server
	router     *gin.Engine
	device     *delivery.Device
	cfg        *config.Config
	taskCache  *cache.TaskCache
	inodeCache *cache.InodeCache
	adminToken string
	log        logr.Logger
}

type configView struct {
	StallMode         bool   `json:"stallMode"`
	BypassMode        bool   `json:"bypassMode"`
	IgnoreMode        bool   `json:"ignoreMode"`
	DenyOnTimeout     bool   `json:"denyOnTimeout"`
	StallTimeoutMs    uint32 `json:"stallTimeoutMs"`
	ContinueTimeoutMs uint32 `json:"continueTimeoutMs"`
	EnabledHooks      uint32 `json:"enabledHooks"`
}

type controlBody struct {
	Flags             uint32 `json:"flags"`
	StallMode         bool   `json:"stallMode"`
	StallTimeoutMs    uint32 `json:"stallTimeoutMs"`
	ContinueTimeoutMs uint32 `json:"continueTimeoutMs"`
	DefaultDeny       bool   `json:"defaultDeny"`
}

type statsView struct {
	Entries          int64  `json:"entries"`
	QueuedBytes      int64  `json:"queuedBytes"`
	Drops            uint64 `json:"drops"`
	TaskCacheLen     int    `json:"taskCacheLen"`
	TaskCacheHits    uint64 `json:"taskCacheHits"`
	TaskCacheMisses  uint64 `json:"taskCacheMisses"`
	InodeCacheLen    int    `json:"inodeCacheLen"`
	InodeCacheHits   uint64 `json:"inodeCacheHits"`
	InodeCacheMisses uint64 `json:"inodeCacheMisses"`
}

// NewStatusService builds the admin server.
func NewStatusService(
	addr string,
	port int,
	adminToken string,
	device *delivery.Device,
	cfg *config.Config,
	taskCache *cache.TaskCache,
	inodeCache *cache.InodeCache,
	metricsModule *metrics.MetricsModule,
	log logr.Logger) (*StatusService, error) {

	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("port is illegal")
	}

	s := StatusService{
		router:     gin.New(),
		device:     device,
		cfg:        cfg,
		taskCache:  taskCache,
		inodeCache: inodeCache,
		adminToken: adminToken,
		log:        log,
	}
	s.router.Use(gin.Recovery(), ginLogger(log))
	s.router.SetTrustedProxies(nil)

	s.router.GET("/healthz", health)
	s.router.GET("/health/liveness", health)
	s.router.GET("/health/readiness", health)
	s.router.GET("/apis/v1/config", s.getConfig)
	s.router.POST("/apis/v1/config", s.checkAdminToken(), s.postConfig)
	s.router.GET("/apis/v1/stats", s.getStats)

	if handler := metricsModule.Handler(); handler != nil {
		s.router.GET("/metrics", gin.WrapH(handler))
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", addr, port),
		Handler: s.router,
	}
	return &s, nil
}

func health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// checkAdminToken gates the control endpoint. With no token configured
// the loopback bind is the only protection, which matches a debug
// deployment.
func (s *StatusService) checkAdminToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken != "" && c.GetHeader("Token") != s.adminToken {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *StatusService) getConfig(c *gin.Context) {
	snap := s.cfg.Snapshot()
	c.JSON(http.StatusOK, configView{
		StallMode:         snap.StallMode,
		BypassMode:        snap.BypassMode,
		IgnoreMode:        snap.IgnoreMode,
		DenyOnTimeout:     snap.DenyOnTimeout,
		StallTimeoutMs:    snap.StallTimeoutMs,
		ContinueTimeoutMs: snap.ContinueTimeoutMs,
		EnabledHooks:      uint32(snap.EnabledHooks),
	})
}

func (s *StatusService) postConfig(c *gin.Context) {
	var body controlBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	req := config.ControlRequest{
		Flags:             body.Flags,
		StallMode:         body.StallMode,
		StallTimeoutMs:    body.StallTimeoutMs,
		ContinueTimeoutMs: body.ContinueTimeoutMs,
		DefaultDeny:       body.DefaultDeny,
	}
	if err := s.device.Configure(req, true); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	s.getConfig(c)
}

func (s *StatusService) getStats(c *gin.Context) {
	stats := s.device.Stats()
	c.JSON(http.StatusOK, statsView{
		Entries:          stats.Entries,
		QueuedBytes:      stats.QueuedBytes,
		Drops:            stats.Drops,
		TaskCacheLen:     s.taskCache.Len(),
		TaskCacheHits:    s.taskCache.Hits(),
		TaskCacheMisses:  s.taskCache.Misses(),
		InodeCacheLen:    s.inodeCache.Len(),
		InodeCacheHits:   s.inodeCache.Hits(),
		InodeCacheMisses: s.inodeCache.Misses(),
	})
}

// ginLogger adapts gin request logging onto the daemon logger.
func ginLogger(log logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.V(2).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

// Run serves until the stop channel closes.
func (s *StatusService) Run(stopCh <-chan struct{}) {
	s.log.Info("starting", "addr", s.srv.Addr)
	go func() {
		<-stopCh
		s.srv.Shutdown(context.Background())
	}()
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error(err, "s.srv.ListenAndServe() failed")
	}
}

// CleanUp shuts the server down.
func (s *StatusService) CleanUp() {
	s.log.Info("cleaning up")
	s.srv.Shutdown(context.Background())
}
