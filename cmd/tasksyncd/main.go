package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/collabtask/tasksync/internal/realtime"
	"github.com/collabtask/tasksync/internal/reconcile"
	"github.com/collabtask/tasksync/internal/state"
)

type config struct {
	ServerURL           string        `env:"TASKSYNC_SERVER_URL" envDefault:"ws://127.0.0.1:8080/v1/events"`
	Token               string        `env:"TASKSYNC_TOKEN"`
	StateDSN            string        `env:"TASKSYNC_STATE_DSN" envDefault:"file://.tasksync/state.json"`
	WatchStateFile      bool          `env:"TASKSYNC_WATCH_STATE_FILE"`
	ReconnectInitial    time.Duration `env:"TASKSYNC_RECONNECT_INITIAL_DELAY" envDefault:"500ms"`
	ReconnectMax        time.Duration `env:"TASKSYNC_RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMultiplier float64       `env:"TASKSYNC_RECONNECT_MULTIPLIER" envDefault:"2"`
	ReconnectMaxRetries int           `env:"TASKSYNC_RECONNECT_MAX_RETRIES"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, err
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return config{}, errors.New("TASKSYNC_TOKEN is required")
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to parse configuration: %v", err)
	}

	backend, err := state.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := state.New(state.Options{
		Backend: backend,
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to restore state: %v", err)
	}
	defer store.Close()

	if cfg.WatchStateFile {
		if fileBackend, ok := backend.(*state.JSONFileStateBackend); ok {
			watcher, watchErr := state.NewSnapshotFileWatcher(store, fileBackend.Path, log.Default())
			if watchErr != nil {
				log.Fatalf("failed to watch state file: %v", watchErr)
			}
			defer watcher.Close()
		} else {
			log.Printf("TASKSYNC_WATCH_STATE_FILE set but state backend is not a file, ignoring")
		}
	}

	reconciler, err := reconcile.New(store, log.Default())
	if err != nil {
		log.Fatalf("failed to build reconciler: %v", err)
	}

	channel, err := realtime.NewChannel(realtime.Options{
		URL:     cfg.ServerURL,
		Handler: reconciler,
		Policy: realtime.ReconnectPolicy{
			InitialDelay: cfg.ReconnectInitial,
			MaxDelay:     cfg.ReconnectMax,
			Multiplier:   cfg.ReconnectMultiplier,
			MaxRetries:   cfg.ReconnectMaxRetries,
		},
		Logger: log.Default(),
		OnError: func(err error) {
			log.Printf("realtime channel gave up: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("failed to build realtime channel: %v", err)
	}

	channel.Setup(cfg.Token)
	log.Printf("tasksyncd connected to %s, state backend %s", cfg.ServerURL, cfg.StateDSN)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	channel.Teardown()
}
