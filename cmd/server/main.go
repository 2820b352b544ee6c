// Command server runs the chat core: TCP listener, router, session
// registry, event bus, and the configured storage backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatcore/messenger/internal/adminrelay"
	"github.com/chatcore/messenger/internal/config"
	"github.com/chatcore/messenger/internal/ids"
	"github.com/chatcore/messenger/internal/store/adapter"
	"github.com/chatcore/messenger/internal/store/mongostore"
	"github.com/chatcore/messenger/internal/store/sqlstore"
	"github.com/chatcore/messenger/internal/supervisor"
)

const shutdownGrace = 10 * time.Second

func main() {
	var host string
	var port int
	var gui bool
	var envFile string

	root := &cobra.Command{
		Use:   "server",
		Short: "Run the chat core",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			gen, err := ids.NewGenerator(1)
			if err != nil {
				return fmt.Errorf("ids generator: %w", err)
			}

			store, err := openStore(cfg, gen)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := supervisor.New(cfg, store, log)
			if gui {
				adminrelay.Attach(srv.Bus(), log)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			log.Info("server started", "host", cfg.Host, "port", cfg.Port)

			<-ctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	root.Flags().StringVarP(&host, "host", "a", "localhost", "listen host")
	root.Flags().IntVarP(&port, "port", "p", 7777, "listen port")
	root.Flags().BoolVarP(&gui, "gui", "g", false, "run the admin relay instead of headless")
	root.Flags().StringVar(&envFile, "env-file", "", "optional .env file to preload")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, gen *ids.Generator) (adapter.Adapter, error) {
	switch cfg.StoreDriver {
	case "mongo":
		st := mongostore.New(gen)
		if err := st.Open(context.Background(), cfg.StoreDSN); err != nil {
			return nil, err
		}
		return st, nil
	default:
		st := sqlstore.New(gen)
		if err := st.Open(context.Background(), cfg.StoreDSN); err != nil {
			return nil, err
		}
		return st, nil
	}
}
