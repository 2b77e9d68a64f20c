package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atlas/internal/config"
	"atlas/internal/db"
	"atlas/internal/discovery"
	"atlas/internal/events"
	"atlas/internal/fleet"
	"atlas/internal/notify"
	"atlas/internal/provision"
	"atlas/internal/session"
	"atlas/internal/shell"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("[SERVER] Create data dir: %v", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[SERVER] Open database: %v", err)
	}
	defer database.Close()
	log.Printf("[SERVER] Database ready (%s)", cfg.DBPath)

	bus := events.NewBus()

	dispatcher := notify.NewDispatcher(database, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	key, err := provision.LoadOrGenerateTrustKey(cfg.DataDir)
	if err != nil {
		log.Fatalf("[SERVER] Trust key: %v", err)
	}

	connector := shell.NewSSHConnector(cfg.SSHTimeout)
	engine := provision.NewEngine(connector, key)

	hub := session.NewHub(database, bus, nil, cfg.HandshakeTimeout, cfg.HeartbeatStaleness)
	hub.Start()
	defer hub.Stop()

	disc := discovery.NewService(cfg.MulticastGroup, cfg.AgentPort, cfg.HostPrefix)
	disc.Start()
	defer disc.Stop()

	serverURL := cfg.ServerURL
	if serverURL == "" {
		host, _ := os.Hostname()
		serverURL = fmt.Sprintf("ws://%s:%s/ws/satellite", host, cfg.Port)
	}

	// The manager subscribes itself to discovery announcements; lifecycle
	// operations are driven through it by the embedding application.
	fleet.NewManager(database, bus, disc, connector, engine, hub, fleet.Options{
		SSHUsername: cfg.SSHUsername,
		AgentPort:   cfg.AgentPort,
		HostPrefix:  cfg.HostPrefix,
		ServerURL:   serverURL,
		ScanTimeout: cfg.ScanTimeout,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/satellite", hub.HandleConnection)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		log.Printf("[SERVER] Listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[SERVER] %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[SERVER] Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[SERVER] Shutdown: %v", err)
	}
}
