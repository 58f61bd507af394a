package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "thesync",
		Short:         "Сервис синхронизации коллекций с оптимистичными изменениями и кэшем",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// По умолчанию путь к конфигу берем из окружения, как и раньше.
	defaultConfig := os.Getenv("APP_CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "путь к YAML конфигу")

	root.AddCommand(newServeCmd(), newSnapshotCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Фатальная ошибка: %v\n", err)
		os.Exit(1)
	}
}
