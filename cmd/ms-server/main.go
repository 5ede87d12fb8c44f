package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FraMan97/modsync/internal/api"
	"github.com/FraMan97/modsync/internal/auth"
	"github.com/FraMan97/modsync/internal/catalog"
	"github.com/FraMan97/modsync/internal/config"
	"github.com/FraMan97/modsync/internal/database"
	"github.com/FraMan97/modsync/internal/ratelimit"
	"github.com/FraMan97/modsync/internal/store"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

func main() {
	configPtr := flag.String("config", "", "config file (default ~/.modsync/server/server.yaml)")
	hashSecretPtr := flag.String("hash-secret", "", "print the bcrypt hash of a shared secret for auth_secret_hash and exit")
	scanOnlyPtr := flag.Bool("scan-only", false, "rebuild the catalog once and exit")
	scanPtr := flag.String("scan", "", "rescan a single package, print its version and exit")
	flag.Parse()

	if *hashSecretPtr != "" {
		hash, err := auth.HashSecret(*hashSecretPtr)
		if err != nil {
			log.Println("[Main] - Error hashing secret: ", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	baseDir, err := config.BaseDir("server")
	if err != nil {
		log.Println("[Config] - Error resolving base dir: ", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServer(config.NewViper(*configPtr, baseDir, "server"), baseDir)
	if err != nil {
		log.Println("[Config] - Error initializing config: ", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		log.Println("[Main] - Error opening database: ", err)
		os.Exit(1)
	}
	defer db.Close()

	st, err := store.New(cfg)
	if err != nil {
		log.Println("[Main] - Error opening store: ", err)
		os.Exit(1)
	}

	cat, err := catalog.New(db, st, cfg.ChunkSize)
	if err != nil {
		log.Println("[Main] - Error creating catalog: ", err)
		os.Exit(1)
	}
	if *scanPtr != "" {
		m, err := cat.ScanPackage(ctx, *scanPtr)
		if err != nil {
			log.Printf("[Main] - Error scanning package '%s': %v\n", *scanPtr, err)
			os.Exit(1)
		}
		fmt.Printf("%s %s (%d files, %d bytes)\n", m.Name, m.Version, len(m.Files), m.Size)
		return
	}
	stats, err := cat.Scan(ctx)
	if err != nil {
		log.Println("[Main] - Initial scan error: ", err)
		os.Exit(1)
	}
	log.Printf("[Main] - Catalog ready: %d packages, %d hashed, %d reused, %d failed\n",
		stats.Packages, stats.Hashed, stats.Reused, stats.Failed)
	if *scanOnlyPtr {
		return
	}
	go cat.Run(ctx, cfg.CronScan)

	gate, err := ratelimit.New(cfg.Admission)
	if err != nil {
		log.Println("[Main] - Error creating admission gate: ", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(cfg.AuthSecretHash)
	if err != nil {
		log.Println("[Main] - Error loading auth secret hash: ", err)
		os.Exit(1)
	}
	if verifier != nil && !cfg.TLSEnabled() {
		log.Println("[Main] - Shared secret enabled without TLS, clients will send it in clear text")
	}

	srv := &http.Server{
		Handler:           api.New(cat, st, cfg.TransferBufferSize, gate, verifier),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Println("[Main] - Error Listening: ", err)
		os.Exit(1)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Println("[Main] - Shutdown error: ", err)
		}
	}()

	log.Printf("[Main] - The repository server is listening to localhost:%d (tls=%t)\n", cfg.Port, cfg.TLSEnabled())
	if cfg.TLSEnabled() {
		err = srv.ServeTLS(ln, cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println("[Main] - Error Listening: ", err)
		os.Exit(1)
	}
	log.Println("[Main] - Server stopped")
}
