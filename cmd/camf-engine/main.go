package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"camf/internal/config"
	"camf/internal/events"
	"camf/internal/orchestrator"
	"camf/internal/storage"

	"github.com/gorilla/websocket"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// engine.
	var (
		configF = flag.String("config", "", "Engine config file (YAML); defaults apply when empty")
		dbF     = flag.String("db", "camf.db", "SQLite database path")
		httpF   = flag.String("http-addr", ":8089", "HTTP listen address for the event stream")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[camf] ", log.Ltime)
	}

	// Load engine configuration
	cfg := config.DefaultEngineConfig()
	if *configF != "" {
		loaded, err := config.LoadEngineConfig(*configF)
		if err != nil {
			logger.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	// Open storage: frames in, detections out
	store, err := storage.New(*dbF)
	if err != nil {
		logger.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	// Wire the engine: registry, cache, supervisor, orchestrator
	eng, err := orchestrator.NewEngine(cfg, store, store)
	if err != nil {
		logger.Fatalf("failed to start engine: %v", err)
	}
	defer eng.Close()

	// Fan the event stream out to websocket clients
	hub := events.NewHub(eng.Bus())
	defer hub.Close()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("websocket upgrade failed: %v", err)
			return
		}
		hub.Register(conn)
	})
	srv := &http.Server{Addr: *httpF, Handler: mux}

	// Create channel used by both the signal handler and server goroutines to
	// notify the main goroutine when to stop the engine.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the engine to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		logger.Printf("event stream listening on %s", *httpF)
		errc <- srv.ListenAndServe()
	}()

	logger.Printf("detectors installed: %d", len(eng.Registry().Names()))

	// Wait for signal or server failure
	logger.Printf("exiting (%v)", <-errc)
	srv.Close()
	logger.Println("exited")
}
