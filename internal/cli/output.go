package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/app"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/config"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// withApp builds the process graph for a one-shot command and closes it
// when fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	logger := telemetry.InitLogger(cfg.LogLevel)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
