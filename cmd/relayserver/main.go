// Package main provides the relay server binary: a websocket room relay with
// matchmaking, ready barriers, optional match history and a gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/admin"
	"github.com/cory-johannsen/roomrelay/internal/config"
	"github.com/cory-johannsen/roomrelay/internal/frontend/websocket"
	"github.com/cory-johannsen/roomrelay/internal/gameserver"
	"github.com/cory-johannsen/roomrelay/internal/history"
	"github.com/cory-johannsen/roomrelay/internal/observability"
	"github.com/cory-johannsen/roomrelay/internal/ready"
	"github.com/cory-johannsen/roomrelay/internal/room"
	"github.com/cory-johannsen/roomrelay/internal/server"
	"github.com/cory-johannsen/roomrelay/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	lifecycle, cleanup, err := buildLifecycle(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initializing relay", zap.Error(err))
	}
	defer cleanup()

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
	}
}

// permanentRooms resolves the permanent room definitions from the rooms file, or
// the built-in pair when none is configured.
func permanentRooms(cfg config.Config) ([]room.Definition, error) {
	if cfg.Rooms.PermanentFile == "" {
		return room.DefaultDefinitions(cfg.Rooms.DefaultCapacity), nil
	}
	path := cfg.Rooms.PermanentFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Server.ContentDir, path)
	}
	return room.LoadDefinitionsFromFile(path, cfg.Rooms.DefaultCapacity)
}

// buildLifecycle wires every relay service. The returned cleanup releases
// resources that outlive the lifecycle, such as the database pool.
func buildLifecycle(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.Lifecycle, func(), error) {
	start := time.Now()
	cleanup := func() {}

	defs, err := permanentRooms(cfg)
	if err != nil {
		return nil, cleanup, err
	}

	lifecycle := server.NewLifecycle(logger.Named("lifecycle"))

	var (
		recorder history.Recorder = history.Nop{}
		pool     *postgres.Pool
	)
	if cfg.Database.Enabled {
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connecting to database: %w", err)
		}
		cleanup = pool.Close
		async := history.NewAsync(
			postgres.NewMatchRepository(pool.DB()),
			cfg.Database.HistoryBuffer,
			cfg.WebSocket.WriteTimeout,
			logger.Named("history"),
		)
		recorder = async
		lifecycle.Add("history", async)
	}

	hub, err := gameserver.NewHub(gameserver.HubConfig{
		InboxSize:      cfg.Server.InboxSize,
		RoomCapacity:   cfg.Rooms.DefaultCapacity,
		MatchCapacity:  cfg.Rooms.MatchCapacity,
		PermanentRooms: defs,
	}, ready.NewCryptoSource(), recorder, logger.Named("hub"))
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("creating hub: %w", err)
	}
	lifecycle.Add("hub", hub)

	if cfg.TimeSync.Enabled {
		lifecycle.Add("timesync", gameserver.NewTimeSync(cfg.TimeSync.Interval, hub))
	}

	acceptor := websocket.NewAcceptor(cfg.WebSocket, hub, logger.Named("websocket"))
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	if cfg.Admin.Enabled {
		adminSrv := admin.NewServer(cfg.Admin, logger.Named("admin"))
		adminSrv.AddCheck("roomrelay.Hub", func(ctx context.Context) error {
			_, err := hub.Stats(ctx)
			return err
		})
		if pool != nil {
			adminSrv.AddCheck("roomrelay.Postgres", func(ctx context.Context) error {
				return pool.Health(ctx, 2*time.Second)
			})
		}
		lifecycle.Add("admin", adminSrv)
	}

	logger.Info("relay initialized",
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("ws_path", cfg.WebSocket.Path),
		zap.Int("permanent_rooms", len(defs)),
		zap.Bool("history", cfg.Database.Enabled),
		zap.Bool("timesync", cfg.TimeSync.Enabled),
		zap.Strings("services", lifecycle.Names()),
		zap.Duration("startup", time.Since(start)),
	)
	return lifecycle, cleanup, nil
}
