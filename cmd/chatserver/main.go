package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/pairchat/server/internal/broadcast"
	"github.com/pairchat/server/internal/chat"
	"github.com/pairchat/server/internal/chatserver"
	"github.com/pairchat/server/internal/config"
	"github.com/pairchat/server/internal/keyspace"
	"github.com/pairchat/server/internal/kv"
	"github.com/pairchat/server/internal/kv/memkv"
	"github.com/pairchat/server/internal/kv/rediskv"
	"github.com/pairchat/server/internal/messaging"
	"github.com/pairchat/server/internal/pairing"
	"github.com/pairchat/server/internal/presence"
	"github.com/pairchat/server/internal/ratelimit"
	"github.com/pairchat/server/internal/session"
	"github.com/pairchat/server/internal/ws"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logrus.SetLevel(cfg.LogLevel)

	// --- Store ---
	store, err := openStore(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open store")
	}
	defer store.Close()

	ttl := keyspace.TTLPolicy{Room: cfg.RoomTTL, Message: cfg.MessageTTL}
	registry := presence.NewRegistry(store)
	sessions := session.NewStore(store, ttl.Room)
	rooms := chat.NewStore(store, sessions, ttl)
	coordinator := pairing.NewCoordinator(sessions, rooms)

	// --- WebSocket server ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.PingInterval = cfg.PingInterval
	wsConfig.PongTimeout = cfg.PongTimeout

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, dispatcher.Dispatch)

	// --- Fan-out: local only, or relayed over NATS ---
	var transport broadcast.Transport = server.Connections()
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "pairchat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			logrus.WithError(err).Fatal("failed to connect to NATS")
		}
		relay := messaging.NewRelay(cfg.ServerName, server.Connections(), natsClient)
		if err := relay.Start(); err != nil {
			logrus.WithError(err).Fatal("failed to start relay")
		}
		transport = relay
	}
	server.SetHealthCheck(func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if natsClient != nil {
			return natsClient.Healthy()
		}
		return nil
	})

	svc := chatserver.New(registry, rooms, coordinator, broadcast.New(transport, registry), chatserver.Options{
		Limiter:      ratelimit.NewLimiter(store),
		EventTimeout: cfg.EventTimeout,
	})
	svc.Bind(server, dispatcher)
	server.Route(svc.Routes)

	logrus.WithFields(logrus.Fields{
		"listen_addr":     cfg.ListenAddr,
		"store":           cfg.StoreType,
		"nats_url":        cfg.NATSURL,
		"server_name":     cfg.ServerName,
		"room_ttl":        cfg.RoomTTL,
		"message_ttl":     cfg.MessageTTL,
		"worker_pool":     cfg.WorkerPoolSize,
		"max_connections": cfg.MaxConnections,
	}).Info("pairchat server starting")

	go func() {
		if err := server.Start(); err != nil {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.WithField("signal", sig.String()).Info("shutting down")

	if err := server.Shutdown(); err != nil {
		logrus.WithError(err).Error("shutdown error")
	}
	if natsClient != nil {
		natsClient.Close()
	}
}

func openStore(cfg config.Config) (kv.Store, error) {
	if cfg.StoreType == config.StoreMemory {
		logrus.Warn("using in-process store; state is lost on exit and not shared between instances")
		return memkv.New(), nil
	}
	return rediskv.Dial(context.Background(), cfg.RedisURL)
}
