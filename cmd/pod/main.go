package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/syncroom/pod/internal/config"
	"github.com/syncroom/pod/internal/logger"
	"github.com/syncroom/pod/internal/pod"
)

// Exit codes per §6.5.
const (
	exitOK            = 0
	exitConfigError   = 64
	exitStorageError  = 69
	exitRuntimeError  = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var dsn string
	var peersFlag string

	root := &cobra.Command{
		Use:   "pod",
		Short: "syncroom pod — a per-process room coordinator node",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the pod's WebSocket, health, and metrics HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return configErr{err}
			}

			if dsn == "" {
				dsn = cfg.OpStoreURL
			}
			var peers []string
			if peersFlag != "" {
				peers = strings.Split(peersFlag, ",")
			}

			p, err := pod.New(cfg, dsn, peers, configPath, nil)
			if err != nil {
				return storageErr{err}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("pod starting",
				"pod_id", cfg.PodID,
				"listen_addr", cfg.ListenAddr,
				"egress_max", humanize.IBytes(uint64(cfg.EgressBytes)),
				"idle_room_grace", cfg.IdleRoomGrace.String(),
			)
			if err := p.ListenAndServe(ctx); err != nil {
				return runtimeErr{err}
			}
			logger.Info("pod stopped")
			return nil
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "Path to an optional YAML config file")
	serve.Flags().StringVar(&dsn, "dsn", "", "Op store DSN (overrides OP_STORE_URL)")
	serve.Flags().StringVar(&peersFlag, "peers", "", "Comma-separated sibling pod base URLs for the stream bridge")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the pod's effective configuration",
	}
	configPrint := &cobra.Command{
		Use:   "print",
		Short: "Load config from defaults/file/env and print it as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return configErr{err}
			}
			out, err := cfg.YAML()
			if err != nil {
				return configErr{err}
			}
			fmt.Print(out)
			return nil
		},
	}
	configPrint.Flags().StringVar(&configPath, "config", "", "Path to an optional YAML config file")
	configCmd.AddCommand(configPrint)
	root.AddCommand(serve, configCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch err.(type) {
		case configErr:
			return exitConfigError
		case storageErr:
			return exitStorageError
		case runtimeErr:
			return exitRuntimeError
		default:
			return exitRuntimeError
		}
	}
	return exitOK
}

type configErr struct{ error }
type storageErr struct{ error }
type runtimeErr struct{ error }
