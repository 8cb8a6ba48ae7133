package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/huddle/relay/internal/audit"
	"github.com/huddle/relay/internal/messaging"
	"github.com/huddle/relay/internal/presence"
	"github.com/huddle/relay/internal/relay"
	"github.com/huddle/relay/internal/ws"
)

// config gathers every component's settings. Optional integrations are
// disabled when their address is empty.
type config struct {
	server   ws.ServerConfig
	relay    relay.Config
	nats     messaging.NATSConfig
	presence presence.Config
	audit    audit.Config

	adminAddr string // private HTTP admin listener, empty disables

	natsEnabled     bool
	presenceEnabled bool
	auditEnabled    bool
}

func loadConfig() config {
	cfg := config{
		server:   ws.DefaultServerConfig(),
		relay:    relay.DefaultConfig(),
		nats:     messaging.DefaultNATSConfig(),
		presence: presence.DefaultConfig(),
		audit:    audit.DefaultConfig(),
	}

	envString("LISTEN_ADDR", &cfg.server.ListenAddr)
	envInt("WORKER_POOL_SIZE", &cfg.server.WorkerPoolSize)
	envInt("MAX_CONNECTIONS", &cfg.server.MaxConnections)
	envDuration("READ_TIMEOUT", &cfg.server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &cfg.server.WriteTimeout)
	envInt("SEND_QUEUE_SIZE", &cfg.server.SendQueueSize)
	envFloat("FRAME_RATE", &cfg.server.FrameRate)
	envInt("FRAME_BURST", &cfg.server.FrameBurst)
	envDuration("HEARTBEAT_INTERVAL", &cfg.server.Heartbeat.Interval)
	envDuration("HEARTBEAT_TIMEOUT", &cfg.server.Heartbeat.Timeout)

	envDuration("GRACE_PERIOD", &cfg.relay.GracePeriod)
	envInt("HISTORY_SIZE", &cfg.relay.HistorySize)
	envDuration("RATE_WINDOW", &cfg.relay.RateLimit.Window)
	envInt("RATE_LIMIT", &cfg.relay.RateLimit.Limit)
	envDuration("RATE_MUTE", &cfg.relay.RateLimit.Mute)

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.nats.URL = v
		cfg.natsEnabled = true
	}

	serverName, _ := os.Hostname()
	envString("SERVER_NAME", &serverName)
	if serverName == "" {
		serverName = "relay-1"
	}
	cfg.presence.ServerName = serverName
	cfg.nats.Name = "relayd-" + serverName
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.presence.Addr = v
		cfg.presenceEnabled = true
	}
	envDuration("PRESENCE_INTERVAL", &cfg.presence.Interval)

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.audit.DSN = v
		cfg.auditEnabled = true
	}
	envInt("AUDIT_QUEUE_SIZE", &cfg.audit.QueueSize)
	envString("ADMIN_ADDR", &cfg.adminAddr)

	return cfg
}

func (c config) log() {
	log.Printf("relay server starting")
	log.Printf("  listen_addr:     %s", c.server.ListenAddr)
	log.Printf("  worker_pool:     %d", c.server.WorkerPoolSize)
	log.Printf("  max_connections: %d", c.server.MaxConnections)
	log.Printf("  read_timeout:    %s", c.server.ReadTimeout)
	log.Printf("  write_timeout:   %s", c.server.WriteTimeout)
	log.Printf("  send_queue:      %d", c.server.SendQueueSize)
	log.Printf("  frame_rate:      %.1f/s burst %d", c.server.FrameRate, c.server.FrameBurst)
	log.Printf("  grace_period:    %s", c.relay.GracePeriod)
	log.Printf("  history_size:    %d", c.relay.HistorySize)
	log.Printf("  rate_limit:      %d per %s, mute %s", c.relay.RateLimit.Limit, c.relay.RateLimit.Window, c.relay.RateLimit.Mute)
	log.Printf("  nats:            %s", enabled(c.natsEnabled, c.nats.URL))
	log.Printf("  presence:        %s", enabled(c.presenceEnabled, c.presence.Addr))
	log.Printf("  audit:           %s", enabled(c.auditEnabled, "postgres"))
	log.Printf("  admin_http:      %s", enabled(c.adminAddr != "", c.adminAddr))
	log.Printf("  server_name:     %s", c.presence.ServerName)
}

func enabled(on bool, detail string) string {
	if !on {
		return "disabled"
	}
	return detail
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		} else {
			log.Printf("ignoring %s=%q: want a positive integer", key, v)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			*dst = f
		} else {
			log.Printf("ignoring %s=%q: want a non-negative number", key, v)
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		} else {
			log.Printf("ignoring %s=%q: want a positive duration", key, v)
		}
	}
}
