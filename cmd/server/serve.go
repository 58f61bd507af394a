package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP сервер",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := NewApp(configPath)

			// Настройка и запуск
			if err := app.Start(); err != nil {
				_ = app.Shutdown()
				return err
			}

			// Ожидание сигналов завершения от ОС (Ctrl+C или docker stop)
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
			case err := <-app.Errors():
				_ = app.Shutdown()
				return err
			}

			// Аккуратное завершение
			return app.Shutdown()
		},
	}
}
