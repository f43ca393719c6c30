package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"obligo.org/internal/claims"
	"obligo.org/internal/config"
	"obligo.org/internal/core"
	"obligo.org/internal/fees"
	"obligo.org/internal/httpapi"
	"obligo.org/internal/identity"
	"obligo.org/internal/obs"
	"obligo.org/internal/store/pg"
	"obligo.org/internal/stream"
	"obligo.org/internal/typedsig"
)

var version = "0.3.1"

// pathURIs builds token metadata URIs under the configured base.
type pathURIs struct {
	base string
}

func (p pathURIs) URIFor(c claims.Claim, _ identity.Address) string {
	return fmt.Sprintf("%s/%d", p.base, c.ID)
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("OBLIGO_BUILD_COMMIT"))

	configPath := flag.String("config", os.Getenv("OBLIGO_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Archive database is optional; without it the node runs purely in memory
	// and /readyz has nothing external to check.
	var archive *pg.Store
	if cfg.PGDSN != "" {
		archive, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open archive db: %v", err)
		}
	}

	policy := fees.Policy{
		CreateFee:  cfg.Fees.CreateFee,
		Exemptions: fees.NewAllowList(),
		Calc:       fees.BasisPoints{Points: cfg.Fees.PaymentFeeBps},
		Sink:       cfg.FeeSinkAddr(),
	}

	events := stream.New()
	nodeOpts := []core.Option{core.WithStream(events)}
	if archive != nil {
		nodeOpts = append(nodeOpts, core.WithArchiver(archive))
	}
	nodeCfg := core.Config{
		Domain: typedsig.Domain{
			Name:     cfg.Domain.Name,
			Version:  cfg.Domain.Version,
			LedgerID: cfg.Domain.LedgerID,
			Registry: cfg.RegistryAddr(),
		},
		Policy: policy,
		Admin:  cfg.AdminAddr(),
	}
	if cfg.BaseURI != "" {
		nodeCfg.URIs = pathURIs{base: cfg.BaseURI}
	}
	node := core.NewNode(nodeCfg, nodeOpts...)

	rp := httpapi.ReadyProbe{}
	if archive != nil {
		rp.DB = archive.DB()
	}
	api := httpapi.New(rp, version, node, events, cfg.AdminAddr())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting obligo-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if archive != nil {
		_ = archive.Close()
	}
	log.Println("Stopped")
}
