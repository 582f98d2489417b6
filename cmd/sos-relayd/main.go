// Command sos-relayd serves the circle relay: devices publish encoded circles
// to it and fetch the latest one for their account.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"xdao.co/sos/config"
	"xdao.co/sos/internal/logging"
	"xdao.co/sos/storage"
	"xdao.co/sos/storage/localfs"
	"xdao.co/sos/storage/sqlite"
	"xdao.co/sos/transport/grpcrelay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	var configPath, listen string
	cmd := &cobra.Command{
		Use:           "sos-relayd",
		Short:         "Relay encoded circles between devices",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf := config.Default()
			if configPath != "" {
				var err error
				if conf, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if listen != "" {
				conf.Relay.Listen = listen
			}
			lis, err := net.Listen("tcp", conf.Relay.Listen)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "sos-relayd listening on %s\n", lis.Addr())
			return serve(cmd.Context(), conf, lis)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to sos.yaml (defaults apply when unset)")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides relay.listen)")
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

// serve runs the relay on lis until ctx is done. Blobs are mirrored to the
// archive directory and the state database, which also holds the heads.
func serve(ctx context.Context, conf *config.Config, lis net.Listener) error {
	log, err := logging.New(conf.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cas, err := localfs.New(conf.ArchiveDir)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	heads, err := sqlite.Open(conf.StateDB)
	if err != nil {
		return fmt.Errorf("open heads: %w", err)
	}
	defer heads.Close()

	var opts []grpc.ServerOption
	if conf.Relay.MaxMsgBytes > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(conf.Relay.MaxMsgBytes),
			grpc.MaxSendMsgSize(conf.Relay.MaxMsgBytes))
	}
	srv := grpc.NewServer(opts...)
	blobs := storage.Mirror{{Name: "archive", CAS: cas}, {Name: "db", CAS: heads}}
	grpcrelay.RegisterRelayServer(srv, &grpcrelay.Server{CAS: blobs, Heads: heads, Log: log})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("shutting down relay")
			srv.GracefulStop()
		case <-done:
		}
	}()

	log.Info("relay serving", "addr", lis.Addr().String(), "archive", conf.ArchiveDir, "heads", conf.StateDB)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
