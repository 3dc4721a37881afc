package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codexkb/server/engine"
	"github.com/codexkb/server/logger"
	"github.com/codexkb/server/middleware"
	"github.com/codexkb/server/store"
	"github.com/codexkb/server/ws"
)

const version = "0.1.0"

func newHandler(token string, eng *engine.Engine, devMode bool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// WebSocket endpoint (handles its own auth as the first RPC request)
	mux.Handle("GET /ws", ws.NewRPCHandler(token, version, devMode, eng))

	return middleware.Auth(token)(mux)
}

// parseNotebooks reads NOTEBOOKS: comma-separated "id=path" pairs, or bare
// paths that get ids assigned in order starting at 1.
func parseNotebooks(env string) (map[int64]string, error) {
	notebooks := make(map[int64]string)
	nextID := int64(1)

	for _, entry := range strings.Split(env, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id := nextID
		path := entry
		if k, v, ok := strings.Cut(entry, "="); ok {
			parsed, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return nil, err
			}
			id = parsed
			path = v
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		notebooks[id] = abs
		if id >= nextID {
			nextID = id + 1
		}
	}
	return notebooks, nil
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		log.Fatal("AUTH_TOKEN environment variable is required")
	}

	notebooksEnv := os.Getenv("NOTEBOOKS")
	if notebooksEnv == "" {
		log.Fatal("NOTEBOOKS environment variable is required (comma-separated id=path pairs)")
	}
	notebooks, err := parseNotebooks(notebooksEnv)
	if err != nil {
		log.Fatalf("invalid NOTEBOOKS: %v", err)
	}
	if len(notebooks) == 0 {
		log.Fatal("NOTEBOOKS resolved to no notebook roots")
	}

	devMode := os.Getenv("DEV_MODE") == "true"

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		for _, root := range notebooks {
			dataDir = filepath.Join(root, store.ControlDir)
			break
		}
	}
	logger.Init(logger.Config{DataDir: dataDir, DevMode: devMode})

	eng := engine.New(engine.Config{})
	for id, root := range notebooks {
		if err := eng.OpenNotebook(id, root); err != nil {
			log.Fatalf("open notebook %d at %s: %v", id, root, err)
		}
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: newHandler(token, eng, devMode),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Printf("Server starting on :%s (%d notebooks)", port, len(notebooks))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal(err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	eng.Shutdown()
}
