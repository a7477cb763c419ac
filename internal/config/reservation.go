package config

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ReservationConfig tunes seat holding, expiry and event fan-out.
type ReservationConfig struct {
	IdleTimeout     time.Duration // sessions idle this long are expired
	ReaperInterval  time.Duration // how often the reaper sweeps
	SeatHoldTTL     time.Duration // per-seat hold limit, 0 disables
	BroadcastBuffer int           // per-subscriber event buffer
	Retention       time.Duration // unused showtimes are forgotten after this, 0 disables

	RegistryBackend string // memory | redis
	RegistryPrefix  string // redis key prefix

	RelayEnabled bool   // forward events between instances through Redis
	RelayTopic   string // redis stream name
	InstanceID   string // origin tag of relayed events
}

// LoadReservationConfig reads reservation settings with their defaults.
func LoadReservationConfig() ReservationConfig {
	cfg := ReservationConfig{
		IdleTimeout:     envDur("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		ReaperInterval:  envDur("REAPER_INTERVAL", 30*time.Second),
		SeatHoldTTL:     envDur("SEAT_HOLD_TTL", 0),
		BroadcastBuffer: envInt("BROADCAST_BUFFER", 64),
		Retention:       envDur("SHOWTIME_RETENTION", 6*time.Hour),
		RegistryBackend: envStr("REGISTRY_BACKEND", BackendMemory),
		RegistryPrefix:  envStr("REGISTRY_PREFIX", "seats"),
		RelayTopic:      envStr("RELAY_TOPIC", "seat-events"),
		InstanceID:      os.Getenv("INSTANCE_ID"),
	}
	if cfg.RegistryBackend != BackendRedis {
		cfg.RegistryBackend = BackendMemory
	}
	// relaying only makes sense when instances share the registry
	cfg.RelayEnabled = envBool("RELAY_ENABLED", cfg.RegistryBackend == BackendRedis) && cfg.RegistryBackend == BackendRedis
	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.InstanceID = host + "-" + uuid.NewString()[:8]
		} else {
			cfg.InstanceID = uuid.NewString()
		}
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	if cfg.BroadcastBuffer < 1 {
		cfg.BroadcastBuffer = 1
	}
	if cfg.SeatHoldTTL < 0 {
		cfg.SeatHoldTTL = 0
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	return cfg
}

// LeaseTTL is how long a session lease outlives its last renewal.  It gives
// the owning instance two sweeps to expire an idle session itself.
func (c ReservationConfig) LeaseTTL() time.Duration {
	return c.IdleTimeout + 2*c.ReaperInterval
}
