package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"frame-rpc/message"
	"frame-rpc/registry"
	"frame-rpc/server"
)

var (
	optListen    string
	optAdvertise string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a reference peer answering Test.ping and Test.echo",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&optListen, "listen", "", "listen address (default host:port from config)")
	serveCmd.Flags().StringVar(&optAdvertise, "advertise", "", "address to register under --service in etcd")
	rootCmd.AddCommand(serveCmd)
}

// registerTestDomain installs the handlers the serve command answers with.
func registerTestDomain(svr *server.Server) {
	svr.Handle("Test", "ping", func(ctx context.Context, req *message.Request) (any, error) {
		return "pong", nil
	})
	svr.Handle("Test", "echo", func(ctx context.Context, req *message.Request) (any, error) {
		return req.Params, nil
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	svr := server.NewServer(cfg, server.WithLogger(log))
	registerTestDomain(svr)

	addr := optListen
	if addr == "" {
		addr = cfg.Addr()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	if cfg.Service != "" {
		advertise := optAdvertise
		if advertise == "" {
			advertise = ln.Addr().String()
		}
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
		if err != nil {
			ln.Close()
			return err
		}
		defer reg.Close()
		svr.Advertise(reg, cfg.Service, advertise)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svr.Serve(ln)
		stop()
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return svr.Shutdown(sctx)
	})
	return g.Wait()
}
