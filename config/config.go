package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	Registry  RegistryConfig
	Session   SessionConfig
	Delivery  DeliveryConfig
	WebSocket WebSocketConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  int
	WriteTimeout int
}

// StoreConfig selects the registry backing store.
type StoreConfig struct {
	Type string // "memory" or "redis"
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int
}

// BrokerConfig selects the cross-instance message broker. Type "none"
// runs a standalone instance with no broker.
type BrokerConfig struct {
	Type  string // "none", "redis" or "kafka"
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type RegistryConfig struct {
	TTL           int // Seconds; connection records expire this long after last activity
	SweepInterval int // Seconds between expiry sweeps
}

type SessionConfig struct {
	EmptyPolicy string // "delete" or "idle" — what happens when the last participant leaves
	StrictJoin  bool   // joining a session twice is an error instead of a no-op
}

type DeliveryConfig struct {
	PushTimeout int // Seconds; per-target bound on one delivery
	MaxRetries  int // Extra attempts on a transient write failure
}

type WebSocketConfig struct {
	MaxConnections   int
	MessageSizeLimit int
	HandshakeTimeout int
	PingInterval     int // Seconds
	PongTimeout      int // Seconds
	ActivityTimeout  int // Seconds
	WriteTimeout     int // Seconds
	KeepAlive        bool
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("GAMECOORD")

		setDefaults()
		bindEnvVars()

		if err := viper.ReadInConfig(); err != nil {
			initErr = fmt.Errorf("config file error: %w", err)
			return
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
