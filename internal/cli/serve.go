package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tandem/internal/gateway"
	"github.com/roach88/tandem/internal/logbuf"
	"github.com/roach88/tandem/internal/store"
)

// NewServeCommand creates the serve command: open the store and run the
// WebSocket gateway until interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live-query gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logs := logbuf.New(os.Stderr, logLevel(opts))
			log := logs.Logger()

			cfg, err := gateway.ConfigFromEnv()
			if err != nil {
				return err
			}

			s, err := store.Open(dbPath, store.WithLogger(log))
			if err != nil {
				return err
			}
			defer s.Close()

			srv := gateway.NewServer(cfg, s, log)
			if err := srv.Start(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Info("shutting down")
			return srv.Stop()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "tandem.db", "path to the store database")
	return cmd
}

func logLevel(opts *RootOptions) logbuf.Option {
	if opts.Verbose {
		return logbuf.WithLevel(slog.LevelDebug)
	}
	return logbuf.WithLevel(slog.LevelInfo)
}
