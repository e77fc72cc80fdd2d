package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/coordinator"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("BROKER", "memory")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("INVENTORY_SERVICE_ADDR", "")
	t.Setenv("PAYMENT_SERVICE_ADDR", "")
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOutboxStatsPrintsJSON(t *testing.T) {
	setupEnv(t)

	out, err := run(t, newOutboxCmd(), "stats")
	require.NoError(t, err)

	var stats map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats["PENDING"])
}

func TestReadModelSyncAllOnEmptyStore(t *testing.T) {
	setupEnv(t)

	out, err := run(t, newReadModelCmd(), "sync-all")
	require.NoError(t, err)
	assert.Contains(t, out, "0 orders synced")
}

func TestSagaStatusUnknownID(t *testing.T) {
	setupEnv(t)

	_, err := run(t, newSagaCmd(), "status", "missing")
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestSagaStatusRequiresID(t *testing.T) {
	setupEnv(t)

	_, err := run(t, newSagaCmd(), "status")
	require.Error(t, err)
}
