// Command collab-server runs the collaboration server's HTTP surface
// (spec sections 4.5, 4.8): login, session/join-token minting, and the
// websocket handshake upgrade.
//
// Flag layout and the keygen subcommand are grounded on the teacher's
// main.go/keygen.go; prometheus/client_golang's promhttp handler and
// go.uber.org/zap's production logger are wired the way the rest of
// this repo's packages already depend on them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sealedroom/server/internal/identity"
	"github.com/sealedroom/server/internal/metrics"
	"github.com/sealedroom/server/internal/p2p"
	"github.com/sealedroom/server/internal/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		if err := runKeygen(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "keygen error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var (
		seedPath string
		addr     string
		p2pPort  int
	)
	flag.StringVar(&seedPath, "seed", "", "path to seed file (required)")
	flag.StringVar(&addr, "addr", ":8443", "address to listen on")
	flag.IntVar(&p2pPort, "p2p-port", 0, "libp2p listen port (0 disables the libp2p transport)")
	flag.Parse()

	if seedPath == "" {
		fmt.Println("usage: collab-server --seed <seed.key> --addr <host:port>")
		fmt.Println("       collab-server keygen --out seed.key")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	seed, err := identity.LoadSeed(seedPath)
	if err != nil {
		logger.Fatal("load seed", zap.Error(err))
	}
	id, err := identity.DeriveIdentity(seed)
	if err != nil {
		logger.Fatal("derive identity", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	mreg := metrics.NewRegistry(reg)

	srv := server.New(server.Options{
		Identity: id.Keys,
		Logger:   logger,
		Metrics:  mreg,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go srv.Credentials.Run(ctx)

	if p2pPort != 0 {
		h, err := p2p.NewHost(id.Libp2pPriv, p2pPort)
		if err != nil {
			logger.Fatal("start libp2p host", zap.Error(err))
		}
		logger.Info("libp2p transport listening", zap.Int("port", p2pPort), zap.String("peerId", id.PeerID.String()))
		go srv.ServeLibp2p(ctx, h)
	}

	mux := http.NewServeMux()
	srv.Routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Close()
	}()

	logger.Info("collab-server listening", zap.String("addr", addr), zap.String("peerId", id.PeerID.String()))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
