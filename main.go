package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Manu-Manera/game-coordinator/broker"
	"github.com/Manu-Manera/game-coordinator/config"
	"github.com/Manu-Manera/game-coordinator/delivery"
	"github.com/Manu-Manera/game-coordinator/directory"
	"github.com/Manu-Manera/game-coordinator/dispatch"
	"github.com/Manu-Manera/game-coordinator/metrics"
	"github.com/Manu-Manera/game-coordinator/registry"
	"github.com/Manu-Manera/game-coordinator/server"
	"github.com/Manu-Manera/game-coordinator/services"
	"github.com/Manu-Manera/game-coordinator/websocket"
)

func main() {
	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Generate a unique ID for this coordinator instance. The registry
	// records it per connection so deliveries can be routed across
	// instances.
	serverID := uuid.New().String()
	log.Printf("Starting coordinator instance with ID: %s", serverID)

	// --- Registry Store Initialization ---
	registryTTL := time.Duration(cfg.Registry.TTL) * time.Second
	var store registry.Store

	log.Printf("Initializing registry store of type: %s", cfg.Store.Type)
	switch strings.ToLower(cfg.Store.Type) {
	case "memory":
		store = registry.NewMemoryStore(registryTTL)
	case "redis":
		redisClient, err := services.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.PoolTimeout)
		if err != nil {
			log.Fatalf("Failed to connect to Redis for registry store: %v", err)
		}
		defer services.CloseRedisClient(redisClient)
		store = registry.NewRedisStore(redisClient, registryTTL)
	default:
		// This should be caught by config validation, but we check again as a safeguard.
		log.Fatalf("Invalid store type specified: %s", cfg.Store.Type)
	}
	// --- End of Store Initialization ---

	// --- Dynamic Broker Initialization ---
	var messageBroker broker.MessageBroker

	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "none":
		// Single-instance deployment: all deliveries are local.
	case "redis":
		redisClient, err := services.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.PoolTimeout)
		if err != nil {
			log.Fatalf("Failed to connect to Redis for broker: %v", err)
		}
		defer services.CloseRedisClient(redisClient)
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		kafkaBroker, err := broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID)
		if err != nil {
			log.Fatalf("Failed to create Kafka broker: %v", err)
		}
		messageBroker = kafkaBroker
	default:
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	// --- End of Broker Initialization ---

	// Session directory
	dirOpts := []directory.Option{}
	if strings.ToLower(cfg.Session.EmptyPolicy) == "idle" {
		dirOpts = append(dirOpts, directory.WithEmptyPolicy(directory.PolicyIdle))
	}
	if cfg.Session.StrictJoin {
		dirOpts = append(dirOpts, directory.WithStrictJoin())
	}
	dir := directory.New(dirOpts...)

	// Client manager is the local delivery channel; the router decides
	// between a local push and a broker publish per target.
	clientManager := websocket.NewClientManager()
	router := delivery.NewRouter(serverID, clientManager, store, messageBroker)

	dispatcher := dispatch.New(serverID, store, dir, router,
		dispatch.WithPushTimeout(time.Duration(cfg.Delivery.PushTimeout)*time.Second))
	router.OnFailure(dispatcher.HandleDeliveryFailure)

	// Initialize handler
	handler := websocket.NewHandler(serverID, clientManager, dispatcher, cfg)

	// Create and configure server
	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(port, handler.HandleWebSocket,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second)

	// Broker listeners: routed deliveries for this instance and session
	// state published by backend collaborators.
	if messageBroker != nil {
		go func() {
			if err := router.Listen(ctx); err != nil {
				log.Printf("Delivery listener stopped: %v", err)
			}
		}()
		go func() {
			if err := dispatcher.RunStateRelay(ctx, messageBroker); err != nil {
				log.Printf("State relay stopped: %v", err)
			}
		}()
	}

	// Expiry sweep loop
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Registry.SweepInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := dispatcher.Sweep(ctx); err != nil {
					log.Printf("Sweep failed: %v", err)
				} else if removed > 0 {
					log.Printf("Sweep reclaimed %d expired connections", removed)
				}
			}
		}
	}()

	// Metrics server
	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// Start server
	go srv.Start()
	log.Println("Game coordinator started on " + port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	// Graceful shutdown
	srv.Shutdown(ctx, clientManager, messageBroker)
}
