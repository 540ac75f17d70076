package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-tunnel/store"
	"edge-tunnel/tunnel"
)

//
// -------------------------------------------------------------
// MAIN SETUP
// -------------------------------------------------------------
//

func main() {
	root := getProjectRoot()
	cfg := loadConfig(root)

	// Mount the store
	storeDir := cfg.StorePath(root)
	if info, err := os.Stat(storeDir); err != nil || !info.IsDir() {
		log.Fatalf("[store] mount failed: %s is not a readable directory (%v)", storeDir, err)
	}
	resolver := store.NewDir(storeDir)

	files, err := store.List(resolver.FS())
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	for _, f := range files {
		log.Printf("[store] FILE: %s", f)
	}
	index := store.NewIndex(files)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := store.Watch(storeDir, index)
	if err != nil {
		log.Println("[store] watch disabled:", err)
	} else {
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	// Tunnel
	stats := tunnel.NewStats()
	proc := tunnel.NewProcessor(resolver, stats)

	dialOpts := tunnel.DialOptions{
		Header: http.Header{"X-Device-Id": []string{cfg.DeviceID}},
	}
	if cfg.TokenSecret != "" {
		dialOpts.Token = tunnel.DeviceToken([]byte(cfg.TokenSecret), cfg.DeviceID, time.Duration(cfg.TokenTTLSec)*time.Second)
	}
	dial := tunnel.WebSocketDialer(cfg.Endpoint(), dialOpts)
	session := tunnel.NewSession(cfg.SessionConfig(), dial, proc, stats)

	// Fallback server
	fb := &fallbackServer{
		resolver: resolver,
		index:    index,
		session:  session,
		stats:    stats,
		deviceID: cfg.DeviceID,
		spa:      *cfg.SPAFallback,
	}
	httpSrv := &http.Server{
		Addr:    cfg.FallbackAddr,
		Handler: fb.mux(),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[fallback] listen error: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("[shutdown] signal received, closing tunnel and fallback server...")
		cancel()
	}()

	// Startup banner / config summary
	log.Println("=============================================")
	log.Printf(" Edge tunnel device %s", cfg.DeviceID)
	log.Println("=============================================")
	log.Printf(" Relay: %s", cfg.Endpoint().URL())
	log.Printf(" Reconnect interval: %dms", cfg.ReconnectIntervalMs)
	log.Printf(" Store: %s (%d files)", storeDir, len(files))
	log.Printf(" Fallback server: %s (spa=%v)", cfg.FallbackAddr, *cfg.SPAFallback)
	log.Printf(" Device token: %v", dialOpts.Token != nil)
	log.Println("=============================================")

	// Tunnel loop (blocks until shutdown)
	if err := session.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("[session] stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[shutdown] fallback server shutdown error: %v", err)
	} else {
		log.Println("[shutdown] fallback server shut down cleanly")
	}
}
