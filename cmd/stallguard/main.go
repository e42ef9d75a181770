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

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/stallguard/stallguard/internal/config"
	"github.com/stallguard/stallguard/internal/status"
	"github.com/stallguard/stallguard/pkg/cache"
	"github.com/stallguard/stallguard/pkg/delivery"
	"github.com/stallguard/stallguard/pkg/event"
	"github.com/stallguard/stallguard/pkg/hooks"
	"github.com/stallguard/stallguard/pkg/metrics"
	"github.com/stallguard/stallguard/pkg/probes"
	"github.com/stallguard/stallguard/pkg/signal"
	"github.com/stallguard/stallguard/pkg/stall"
)

var (
	socketPath         string
	statusAddr         string
	statusPort         int
	adminToken         string
	configFile         string
	enableMetrics      bool
	enableCloneTracer  bool
	bpfObjPath         string
	tableShards        int
	tableEntriesShard  int
	tableHighWater     int
	taskCacheCapacity  int
	inodeCacheCapacity int
	cacheTTL           time.Duration
	logFormat          string
	logFile            string
	verbosity          int
	versionFlag        bool
	debugFlag          bool
	gitVersion         string
	gitCommit          string
	buildDate          string
	goVersion          string
	logger             logr.Logger
)

func setLogger() {
	// Disable the log of automaxprocs
	maxprocs.Set()

	var out *zerolog.Logger
	switch logFormat {
	case "json":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
		var w = zerolog.New(os.Stdout)
		if logFile != "" {
			w = zerolog.New(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			})
		}
		l := w.With().Timestamp().Caller().Logger()
		out = &l
	default:
		l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		out = &l
	}
	zerologr.SetMaxV(verbosity)
	logger = zerologr.New(out)
}

func main() {
	flag.StringVar(&socketPath, "socket", "/run/stallguard/agent.sock", "Path of the unix socket the decision agent connects to.")
	flag.StringVar(&statusAddr, "statusAddr", "127.0.0.1", "Bind address of the status service.")
	flag.IntVar(&statusPort, "statusPort", 8952, "Port of the status service.")
	flag.StringVar(&adminToken, "adminToken", "", "Token required by the control endpoint. Empty disables the check.")
	flag.StringVar(&configFile, "config", "", "Path to an optional YAML config file with initial settings.")
	flag.BoolVar(&enableMetrics, "enableMetrics", false, "Set this flag to enable metrics.")
	flag.BoolVar(&enableCloneTracer, "enableCloneTracer", false, "Set this flag to enable the kprobe-based fork tracer.")
	flag.StringVar(&bpfObjPath, "bpfObjPath", "/usr/lib/stallguard/clone_probe.o", "Path of the compiled clone probe object.")
	flag.IntVar(&tableShards, "tableShards", stall.DefaultShardCount, "Number of stall table shards (rounded up to a power of two).")
	flag.IntVar(&tableEntriesShard, "tableEntriesPerShard", stall.DefaultMaxEntriesPerShard, "Maximum in-flight stalls per shard.")
	flag.IntVar(&tableHighWater, "tableHighWaterBytes", stall.DefaultHighWaterBytes, "Queued audit bytes per shard before events are dropped.")
	flag.IntVar(&taskCacheCapacity, "taskCacheCapacity", 1024, "Capacity of the task verdict cache.")
	flag.IntVar(&inodeCacheCapacity, "inodeCacheCapacity", 4096, "Capacity of the inode verdict cache.")
	flag.DurationVar(&cacheTTL, "cacheTTL", 5*time.Second, "How long a remembered verdict stays valid.")
	flag.StringVar(&logFormat, "logFormat", "text", "Log format (text or json). Default is text.")
	flag.StringVar(&logFile, "logFile", "", "Write JSON logs to this file with rotation instead of stdout.")
	flag.IntVar(&verbosity, "v", 0, "Log verbosity level (higher value means more verbose).")
	flag.IntVar(&verbosity, "verbosity", 0, "Log verbosity level (higher value means more verbose).")
	flag.BoolVar(&versionFlag, "version", false, "Print the version information.")
	flag.BoolVar(&debugFlag, "debug", false, "Enable debug mode.")
	flag.Parse()

	if versionFlag {
		fmt.Printf("GitVersion: %s\nGitCommit: %s\nBuildDate: %s\nGoVersion: %s\n", gitVersion, gitCommit, buildDate, goVersion)
		return
	}

	// Setup logger
	setLogger()

	stopCh := signal.SetupSignalHandler()

	if debugFlag {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg := config.New()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			logger.WithName("SETUP").Error(err, "config.LoadFile()")
			os.Exit(1)
		}
	}
	cfg.SetEnabledHooks(hooks.DetectHookMask(logger.WithName("COMPAT")))

	metricsModule := metrics.NewMetricsModule(logger.WithName("METRICS"), enableMetrics, 10)

	table := stall.NewTable(tableShards, tableEntriesShard, tableHighWater)
	engine := stall.NewEngine(table, cfg, metricsModule, logger.WithName("ENGINE"))
	factory := event.NewFactory()
	taskCache := cache.NewTaskCache(taskCacheCapacity, cacheTTL)
	inodeCache := cache.NewInodeCache(inodeCacheCapacity, cacheTTL)
	self := hooks.NewSelfSet()

	mediator := hooks.NewMediator(cfg, table, engine, factory, taskCache, inodeCache, self, metricsModule, logger.WithName("HOOKS"))

	device := delivery.NewDevice(table, cfg, logger.WithName("DEVICE"))
	server, err := delivery.NewServer(device, table, self, socketPath, logger.WithName("DELIVERY"))
	if err != nil {
		logger.WithName("SETUP").Error(err, "delivery.NewServer()")
		os.Exit(1)
	}
	go server.Run(stopCh)

	statusSvc, err := status.NewStatusService(
		statusAddr,
		statusPort,
		adminToken,
		device,
		cfg,
		taskCache,
		inodeCache,
		metricsModule,
		logger.WithName("STATUS-SERVICE"),
	)
	if err != nil {
		logger.WithName("SETUP").Error(err, "status.NewStatusService()")
		os.Exit(1)
	}
	go statusSvc.Run(stopCh)

	var tracer *probes.CloneTracer
	if enableCloneTracer {
		tracer, err = probes.NewCloneTracer(bpfObjPath, mediator, logger.WithName("CLONE-TRACER"))
		if err != nil {
			logger.WithName("SETUP").Error(err, "probes.NewCloneTracer()")
			os.Exit(1)
		}
		go func() {
			if err := tracer.Run(stopCh); err != nil {
				logger.WithName("SETUP").Error(err, "tracer.Run()")
				signal.RequestShutdown()
			}
		}()
	}

	logger.WithName("SETUP").Info("stallguard is online", "socket", socketPath)

	<-stopCh

	server.CleanUp()
	statusSvc.CleanUp()
	logger.WithName("SETUP").Info("stallguard shutdown successful")
}
