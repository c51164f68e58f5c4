package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	// Validate store configuration
	switch strings.ToLower(c.Store.Type) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s. Must be 'memory' or 'redis'", c.Store.Type)
	}

	// Validate broker configuration
	switch strings.ToLower(c.Broker.Type) {
	case "none":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'redis' or 'kafka'", c.Broker.Type)
	}

	switch strings.ToLower(c.Session.EmptyPolicy) {
	case "delete", "idle":
	default:
		return fmt.Errorf("invalid session emptyPolicy: %s. Must be 'delete' or 'idle'", c.Session.EmptyPolicy)
	}

	if c.Registry.TTL < 1 {
		return errors.New("registry TTL must be positive")
	}

	if c.Registry.SweepInterval < 1 {
		return errors.New("registry sweep interval must be positive")
	}

	if c.Delivery.PushTimeout < 1 {
		return errors.New("delivery push timeout must be at least 1 second")
	}

	if c.Delivery.MaxRetries < 0 {
		return errors.New("delivery max retries cannot be negative")
	}

	if c.WebSocket.MaxConnections < 1 {
		return errors.New("max connections must be positive")
	}

	if c.WebSocket.HandshakeTimeout < 1 {
		return errors.New("handshake timeout must be at least 1 second")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.ActivityTimeout {
		return errors.New("ping interval should be less than activity timeout")
	}

	if c.Registry.TTL <= c.WebSocket.ActivityTimeout {
		return errors.New("registry TTL should be greater than activity timeout")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "GAMECOORD_PORT")

	// Store
	viper.BindEnv("store.type", "GAMECOORD_STORE_TYPE")

	// Redis
	viper.BindEnv("redis.address", "GAMECOORD_REDIS_ADDRESS")
	viper.BindEnv("redis.password", "GAMECOORD_REDIS_PASSWORD")

	// Broker
	viper.BindEnv("broker.type", "GAMECOORD_BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "GAMECOORD_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "GAMECOORD_KAFKA_GROUPID")

	// Registry
	viper.BindEnv("registry.ttl", "GAMECOORD_REGISTRY_TTL")
	viper.BindEnv("registry.sweepInterval", "GAMECOORD_SWEEP_INTERVAL")

	// Session
	viper.BindEnv("session.emptyPolicy", "GAMECOORD_SESSION_EMPTY_POLICY")
	viper.BindEnv("session.strictJoin", "GAMECOORD_SESSION_STRICT_JOIN")

	// Delivery
	viper.BindEnv("delivery.pushTimeout", "GAMECOORD_PUSH_TIMEOUT")
	viper.BindEnv("delivery.maxRetries", "GAMECOORD_DELIVERY_MAX_RETRIES")

	// WebSocket
	viper.BindEnv("websocket.maxConnections", "GAMECOORD_MAX_CONNECTIONS")
	viper.BindEnv("websocket.handshakeTimeout", "GAMECOORD_HANDSHAKE_TIMEOUT")
	viper.BindEnv("websocket.pingInterval", "GAMECOORD_PING_INTERVAL")
	viper.BindEnv("websocket.pongTimeout", "GAMECOORD_PONG_TIMEOUT")
	viper.BindEnv("websocket.activityTimeout", "GAMECOORD_ACTIVITY_TIMEOUT")
	viper.BindEnv("websocket.writeTimeout", "GAMECOORD_WRITE_TIMEOUT")
}
