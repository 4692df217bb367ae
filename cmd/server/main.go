package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kbcore/kbcore"
	"github.com/kbcore/kbcore/config"
	"github.com/kbcore/kbcore/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("loading config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New()

	ctx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	engine, err := kbcore.New(ctx, cfg, log, nil)
	if err != nil {
		log.Errorw("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine, cfg, log)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /kbs", h.handleCreateKB)
	mux.HandleFunc("GET /kbs/{id}", h.handleGetKB)
	mux.HandleFunc("DELETE /kbs/{id}", h.handleDeleteKB)
	mux.HandleFunc("POST /kbs/{id}/documents", h.handleUploadDocument)
	mux.HandleFunc("POST /kbs/{id}/documents/push", h.handlePushDocument)
	mux.HandleFunc("POST /documents/reprocess", h.handleReprocessDocuments)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("POST /kbs/{id}/search", h.handleSearch)
	mux.HandleFunc("POST /kbs/{id}/cache/clear", h.handleClearKBCache)
	mux.HandleFunc("POST /kbs/{id}/rebuild", h.handleRebuildKB)
	mux.HandleFunc("POST /process-pending", h.handleProcessPending)
	mux.HandleFunc("GET /health", h.handleHealth)

	var handler http.Handler = mux
	handler = authMiddleware(cfg.APIKey, handler)
	handler = corsMiddleware(cfg.CORSOrigins, handler)
	handler = logMiddleware(log, handler)
	handler = recoveryMiddleware(log, handler)

	addr := ":" + strconv.Itoa(cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // uploads and reprocessing can run long
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infow("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server shutdown error", "error", err)
	}
	log.Infow("server stopped")
}
