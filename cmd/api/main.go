package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"shopledger.org/internal/config"
	"shopledger.org/internal/httpapi"
	"shopledger.org/internal/ledger"
	"shopledger.org/internal/obs"
	"shopledger.org/internal/source/fixture"
	"shopledger.org/internal/source/pg"
	"shopledger.org/internal/source/sqlite"
	"shopledger.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	src, db, err := openSource(cfg)
	if err != nil {
		log.Fatalf("open source: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	events := stream.New()
	store := ledger.NewStore(
		ledger.WithObserver(obs.NewLedgerMetrics()),
		ledger.WithObserver(events),
	)
	// The store outlives the servers so in-flight requests can finish.
	storeCtx, stopStore := context.WithCancel(context.Background())
	defer stopStore()
	go store.Run(storeCtx)

	probe := httpapi.ReadyProbe{DB: db, Store: store}
	api := httpapi.New(probe, version, store, src, events)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := func() {
		loadCtx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout)
		defer cancel()
		_, _ = api.Reload(loadCtx)
	}
	// A failed first load leaves /readyz at 503 until a refresh succeeds.
	reload()
	if cfg.RefreshInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					reload()
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		obs.Info("http_listen", map[string]any{"addr": srv.Addr, "version": version, "source": cfg.Source})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		httpapi.NewGRPCServer(probe).Register(grpcSrv)
		go func() {
			obs.Info("grpc_listen", map[string]any{"addr": cfg.GRPCAddr})
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	<-ctx.Done()
	obs.Info("shutdown", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown", err, nil)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	stopStore()
	obs.Info("stopped", nil)
}

// openSource builds the configured ledger source. db is non-nil for the SQL
// sources so readiness can ping it.
func openSource(cfg *config.Config) (ledger.Source, *sql.DB, error) {
	switch cfg.Source {
	case config.SourcePostgres:
		s, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	case config.SourceSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sqlite.EnsureSchema(ctx, s); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, s.DB(), nil
	default:
		return fixture.NewFile(cfg.FixturePath), nil, nil
	}
}
