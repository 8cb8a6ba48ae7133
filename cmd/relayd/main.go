package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huddle/relay/internal/admin"
	"github.com/huddle/relay/internal/audit"
	"github.com/huddle/relay/internal/chat"
	"github.com/huddle/relay/internal/clock"
	"github.com/huddle/relay/internal/messaging"
	"github.com/huddle/relay/internal/presence"
	"github.com/huddle/relay/internal/protocol"
	"github.com/huddle/relay/internal/relay"
	"github.com/huddle/relay/internal/ws"
)

func main() {
	cfg := loadConfig()
	cfg.log()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Postgres audit log (optional) ---
	var recorder *audit.Recorder
	var auditStore *audit.Store
	if cfg.auditEnabled {
		if err := audit.Migrate(cfg.audit.DSN); err != nil {
			log.Fatalf("failed to migrate audit schema: %v", err)
		}
		var err error
		auditStore, err = audit.Open(cfg.audit.DSN)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		recorder = audit.NewRecorder(auditStore, cfg.audit.QueueSize)
		recorder.Start()
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.natsEnabled {
		var err error
		natsClient, err = messaging.NewNATSClient(cfg.nats)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// The server is the relay's transport; the dispatcher routes its frames
	// back into the relay.
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(cfg.server, dispatcher.Dispatch)

	rl := relay.New(cfg.relay, server, clock.Real())
	rl.SetOnEvent(func(e chat.Event) {
		// Runs under the relay lock: both sinks only queue.
		if natsClient != nil {
			if err := natsClient.PublishEvent(e); err != nil {
				log.Printf("[nats] publish event type=%s: %v", e.Type, err)
			}
		}
		if recorder != nil {
			recorder.Record(e)
		}
	})

	registerHandlers(dispatcher, rl)
	server.SetOnConnect(rl.Connect)
	server.SetOnDisconnect(rl.Disconnect)

	adminHandler := admin.NewHandler(rl)
	if natsClient != nil {
		if err := admin.Bind(natsClient, adminHandler); err != nil {
			log.Fatalf("failed to bind admin control plane: %v", err)
		}
	}

	// --- Private admin HTTP (optional) ---
	var adminServer *http.Server
	if cfg.adminAddr != "" {
		adminServer = &http.Server{
			Addr:              cfg.adminAddr,
			Handler:           admin.NewRouter(adminHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("admin: http listening on %s", cfg.adminAddr)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin: http server error: %v", err)
			}
		}()
	}

	// --- Redis presence mirror (optional) ---
	var presenceStore *presence.Store
	if cfg.presenceEnabled {
		var err error
		presenceStore, err = presence.NewStore(cfg.presence)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		go presence.Run(ctx, presenceStore, rl.Snapshot, cfg.presence.Interval)
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		cancel()
		if adminServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
			_ = adminServer.Shutdown(shutdownCtx)
			done()
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		rl.Close()
		if presenceStore != nil {
			if err := presenceStore.Delete(context.Background()); err != nil {
				log.Printf("presence cleanup error: %v", err)
			}
			presenceStore.Close()
		}
		if recorder != nil {
			recorder.Close()
			auditStore.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// registerHandlers routes every client message type to the relay. The relay
// answers the client itself; only unexpected errors are logged here.
func registerHandlers(d *ws.MessageDispatcher, rl *relay.Relay) {
	d.Register(protocol.TypeClaimIdentity, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ClaimIdentityMsg)
		if !ok {
			return
		}
		_, err := rl.Claim(conn.ID, relay.ClaimRequest{
			Name:      m.Name,
			Device:    m.Device,
			Reconnect: m.Reconnect,
			Mode:      m.Mode,
		})
		logUnexpected("claim_identity", conn.ID, err)
	})

	d.Register(protocol.TypeChangeIdentity, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ChangeIdentityMsg)
		if !ok {
			return
		}
		_, err := rl.ChangeIdentity(conn.ID, m.Name)
		logUnexpected("change_identity", conn.ID, err)
	})

	d.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		logUnexpected("message", conn.ID, rl.Chat(conn.ID, m.Text))
	})

	d.Register(protocol.TypeLogout, func(conn *ws.Connection, _ interface{}) {
		logUnexpected("logout", conn.ID, rl.Logout(conn.ID))
	})

	d.Register(protocol.TypePing, func(conn *ws.Connection, _ interface{}) {
		conn.Touch()
		logUnexpected("ping", conn.ID, rl.Heartbeat(conn.ID))
	})
}

// expected errors have already been reported to the client by the relay.
var expected = []error{
	relay.ErrNotAuthenticated,
	relay.ErrAlreadyAuthenticated,
	relay.ErrBanned,
	relay.ErrInvalidDevice,
	relay.ErrNameUnchanged,
	relay.ErrRateLimited,
	relay.ErrUnknownCommand,
	chat.ErrEmptyMessage,
	chat.ErrMessageTooLong,
	chat.ErrInvalidUTF8,
}

func logUnexpected(op, connID string, err error) {
	if err == nil {
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			return
		}
	}
	log.Printf("%s conn=%s: %v", op, connID, err)
}
