package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pushchain/dxdirectory/dxClient/api"
	"github.com/pushchain/dxdirectory/dxClient/config"
	"github.com/pushchain/dxdirectory/dxClient/constant"
	"github.com/pushchain/dxdirectory/dxClient/core"
	"github.com/pushchain/dxdirectory/dxClient/logger"
)

// Set at build time with -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = ""
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	var (
		directoryAddress string
		chainID          int64
		rpcURLs          []string
		overwrite        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration into the home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir(cmd)
			path := filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName)
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("config already exists at %s (use --overwrite)", path)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if directoryAddress != "" {
				cfg.DirectoryAddress = directoryAddress
			}
			if chainID != 0 {
				cfg.ChainID = chainID
			}
			if len(rpcURLs) > 0 {
				cfg.RPCURLs = rpcURLs
			}

			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&directoryAddress, "directory-address", "", "Address of the directory contract")
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "Chain ID used to sign operator transactions")
	cmd.Flags().StringSliceVar(&rpcURLs, "rpc-url", nil, "Ledger RPC endpoint (repeatable)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing config file")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the directory node and its query server",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir(cmd)
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			config.ApplyEnv(&cfg)

			log := logger.Init(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := core.NewClient(cfg, log)
			if err != nil {
				return err
			}
			if err := client.Start(ctx); err != nil {
				_ = client.Stop()
				return err
			}

			server := api.NewServer(client, client.Metrics(), log, cfg.QueryServerPort)
			if err := server.Start(); err != nil {
				_ = client.Stop()
				return err
			}

			log.Info().
				Str("directory", client.DirectoryID()).
				Int("port", cfg.QueryServerPort).
				Msg("directory node started")

			<-ctx.Done()
			log.Info().Msg("shutting down")

			if err := server.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop query server")
			}
			return client.Stop()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print dxdirectoryd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       %s\n", "dxdirectoryd")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}
