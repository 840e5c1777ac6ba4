package main

import (
	"github.com/spf13/cobra"

	"github.com/pushchain/dxdirectory/dxClient/constant"
)

const flagHome = "home"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dxdirectoryd",
		Short:         "Data exchange directory daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String(flagHome, constant.DefaultNodeHome, "Directory for config and data")

	InitRootCmd(rootCmd) // add subcommands like `init`, `start` and `query`

	return rootCmd
}

func homeDir(cmd *cobra.Command) string {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil || home == "" {
		return constant.DefaultNodeHome
	}
	return constant.ExpandHome(home)
}
