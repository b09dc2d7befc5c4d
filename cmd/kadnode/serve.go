package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zde37/kadnode/internal/api"
	"github.com/zde37/kadnode/internal/config"
	"github.com/zde37/kadnode/internal/kademlia"
	"github.com/zde37/kadnode/internal/transport"
	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
)

// flagKeys maps serve flags onto configuration keys.
var flagKeys = map[string]string{
	"node-id":            "node_id",
	"host":               "host",
	"port":               "port",
	"http-port":          "http_port",
	"allowed-origins":    "allowed_origins",
	"bootstrap":          "bootstrap_nodes",
	"k":                  "k",
	"alpha":              "alpha",
	"rpc-timeout":        "rpc_timeout",
	"inbound-workers":    "inbound_workers",
	"inbound-rate-limit": "inbound_rate_limit",
	"value-ttl":          "value_ttl",
	"log-level":          "log_level",
	"log-format":         "log_format",
	"log-file":           "log_file",
}

func newServeCmd() *cobra.Command {
	var repl bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a DHT node",
		Long: `Run a DHT node on a UDP socket, optionally joining an existing network
through one or more bootstrap contacts of the form <hex-id>@host:port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			for flag, key := range flagKeys {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}

			cfg, err := config.Load(cfgFile, v)
			if err != nil {
				return err
			}
			return serve(cmd, cfg, repl)
		},
	}

	defaults := config.DefaultConfig()
	flags := cmd.Flags()
	flags.String("node-id", "", "node ID as 32 hex characters (derived from host:port when empty)")
	flags.String("host", defaults.Host, "host address to bind to")
	flags.Int("port", defaults.Port, "UDP port (0 picks a free port)")
	flags.Int("http-port", defaults.HTTPPort, "HTTP API port (0 disables the API)")
	flags.StringSlice("allowed-origins", nil, "origins allowed to open the event websocket (empty allows any)")
	flags.StringSlice("bootstrap", nil, "bootstrap contacts (<hex-id>@host:port)")
	flags.Int("k", defaults.K, "bucket size and replication factor")
	flags.Int("alpha", defaults.Alpha, "lookup parallelism")
	flags.Duration("rpc-timeout", defaults.RPCTimeout, "timeout for a single RPC")
	flags.Int("inbound-workers", defaults.InboundWorkers, "datagram handler workers")
	flags.Int("inbound-rate-limit", defaults.InboundRateLimit, "inbound datagrams per second (0 = unlimited)")
	flags.Duration("value-ttl", defaults.ValueTTL, "how long stored values live (0 = forever)")
	flags.String("log-level", defaults.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.String("log-format", defaults.LogFormat, "log format (json, console)")
	flags.String("log-file", "", "rotating log file path")
	flags.BoolVar(&repl, "repl", false, "read store/get commands from stdin")

	return cmd
}

func serve(cmd *cobra.Command, cfg *config.Config, repl bool) error {
	logger, err := pkg.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	tr, err := transport.Listen(transport.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Workers:   cfg.InboundWorkers,
		RateLimit: cfg.InboundRateLimit,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.Port == 0 {
		cfg.Port = int(tr.LocalAddr().Port())
	}

	node, err := kademlia.NewNode(cfg, logger, tr)
	if err != nil {
		tr.Close()
		return err
	}

	var httpServer *api.Server
	defer func() {
		cleanup(node, tr, httpServer, logger)
	}()

	if err := tr.Serve(node.HandleDatagram); err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}

	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(node, logger)
		if err != nil {
			return err
		}
		if err := httpServer.Start(cfg.HTTPPort); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seeds, err := cfg.Bootstrap()
	if err != nil {
		return err
	}
	if len(seeds) > 0 {
		logger.Info().Int("seeds", len(seeds)).Msg("Joining network")
		if err := node.Bootstrap(ctx, seeds); err != nil {
			return fmt.Errorf("failed to bootstrap: %w", err)
		}
	} else {
		logger.Info().Msg("No bootstrap nodes, starting a new network")
	}

	self := wire.NewContact(node.ID(), tr.LocalAddr())
	logger.Info().Str("contact", self.String()).Msg("Node is ready")

	if repl {
		go func() {
			runREPL(ctx, node, cmd.InOrStdin(), cmd.OutOrStdout())
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	return nil
}

// cleanup performs graceful shutdown of all components
func cleanup(node *kademlia.Node, tr *transport.UDPTransport, httpServer *api.Server, logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.WithError(err).Error().Msg("Error stopping HTTP server")
		}
	}

	if err := node.Shutdown(); err != nil {
		logger.WithError(err).Error().Msg("Error shutting down node")
	}

	if err := tr.Close(); err != nil {
		logger.WithError(err).Error().Msg("Error closing UDP transport")
	}
}
