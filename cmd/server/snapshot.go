package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/5-logic/the-sync-cache/internal/config"
	"github.com/5-logic/the-sync-cache/internal/domain"
)

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <cache>",
		Short: "Показать сохраненный снимок кэша",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := openStore(ctx, cfg.Storage, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			return printSnapshot(ctx, cmd.OutOrStdout(), store, args[0])
		},
	}
}

// printSnapshot выводит снимок кэша name в читаемом виде.
func printSnapshot(ctx context.Context, w io.Writer, store domain.DurableStore, name string) error {
	payload, err := store.Get(ctx, "cache:"+name)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("снимок кэша %q не найден", name)
	}
	if err != nil {
		return fmt.Errorf("ошибка чтения снимка: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, payload, "", "  "); err != nil {
		return fmt.Errorf("снимок поврежден: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}
