package config

import "time"

type Config struct {
	Service  *ServiceConfig
	Redis    *RedisConfig
	Postgres *PostgresConfig
	Worker   *WorkerConfig
	Logger   *LoggerConfig
	Tracer   *TracerConfig
	Auth     *AuthConfig
	Realtime *RealtimeConfig
	History  *HistoryConfig
}

type ServiceConfig struct {
	Name            string
	Env             string
	Add             string
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
	PresenceKey  string
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

type WorkerConfig struct {
	MessageStream string
	MessageGroup  string
	// Consumer must be stable across restarts so pending entries are replayed.
	Consumer string
}

type LoggerConfig struct {
	Level  string
	Format string
}

type TracerConfig struct {
	Address string
	Enabled bool
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

type AuthConfig struct {
	SecretToken string
	Issuer      string
}

type RealtimeConfig struct {
	TypingExpiry    time.Duration
	SweepInterval   time.Duration
	VoiceCapacity   int
	VoiceSingleRoom bool
	OracleTimeout   time.Duration
	SendBuffer      int
	AllowedOrigins  []string
}

type HistoryConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}
