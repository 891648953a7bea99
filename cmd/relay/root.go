package main

import (
	"github.com/spf13/cobra"

	"github.com/lk2023060901/chat-relay-go/application"
)

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Presence tracking and chat relay over websocket",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $"+application.ConfigPathEnv+" or "+application.DefaultConfigPath+")")

	load := func() (*application.Application, error) {
		app := application.New(configPath)
		if err := app.Run(); err != nil {
			return nil, err
		}
		return app, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newSeedCmd(load),
		newTokenCmd(load),
		newProbeCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

// loader 延迟到子命令执行时才加载配置，使 --config 已被解析。
type loader func() (*application.Application, error)
