package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/dohguard/dohguard/config"
	"github.com/dohguard/dohguard/handler"
	"github.com/dohguard/dohguard/policy"
	"github.com/dohguard/dohguard/resolver"
	"github.com/dohguard/dohguard/server"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var flagcfgpath string

var rootCmd = &cobra.Command{
	Use:           "dohguard",
	Short:         "DNS-over-HTTPS filtering proxy",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the DOH filtering proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		policyClient := policy.NewClient(cfg.Socket, cfg.Timeout.Duration, cfg.PolicyWorkers)
		defer policyClient.Close()

		srv, err := server.New(cfg, handler.New(cfg, policyClient, resolver.New(cfg)))
		if err != nil {
			return err
		}

		srv.Run()

		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c

		zlog.Info("Stopping dohguard proxy...")

		return nil
	},
}

var policydCmd = &cobra.Command{
	Use:   "policyd",
	Short: "Run the policy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		srv := policy.NewServer(cfg.Socket, cfg.BlocklistDir)
		if err := srv.Run(); err != nil {
			return err
		}

		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGUSR1)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case sig := <-reload:
				zlog.Info("Received signal", "signal", sig.String())
				srv.TriggerReload()
			case <-stop:
				zlog.Info("Stopping dohguard policyd...")
				srv.Stop()
				return nil
			}
		}
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.PersistentFlags().StringVar(&flagcfgpath, "config", "dohguard.toml", "location of the config file, if not found it will be generated")
	rootCmd.AddCommand(proxyCmd, policydCmd)
}

func setup() (*config.Config, error) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	zlog.SetDefault(logger)

	cfg, err := config.Load(flagcfgpath, version)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(logLevel(cfg.LogLevel))

	zlog.Info("Starting dohguard...", "version", version)

	return cfg, nil
}

func logLevel(name string) zlog.Level {
	switch name {
	case "debug":
		return zlog.LevelDebug
	case "warn":
		return zlog.LevelWarn
	case "error":
		return zlog.LevelError
	default:
		return zlog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zlog.Error("Command failed", "error", err.Error())
		os.Exit(1)
	}
}
