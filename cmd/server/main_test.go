package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/care-billing/api"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/config"
	"github.com/warp/care-billing/store/sqlite"
)

// seedSQLite writes the demo facility into a fresh SQLite file and
// returns its path and the month the demo attendance falls in.
func seedSQLite(t *testing.T) (string, care.Month) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	h := api.NewHandler(s, newService(s, &config.Config{GenerationWorkers: 2}, zerolog.Nop()), zerolog.Nop())
	require.NoError(t, h.SeedDemo(context.Background()))
	return path, care.MonthOf(care.Today()).Previous()
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenerateCommand(t *testing.T) {
	path, month := seedSQLite(t)
	t.Setenv("STORE", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("ENV", "test")

	out, err := runCLI(t, "generate", "--tenant", "demo-standard", "--month", month.String(), "--actor", "batch")
	require.NoError(t, err, out)

	var summary generateSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary), out)
	assert.Equal(t, "demo-standard", summary.TenantID)
	assert.Equal(t, month.String(), summary.BillingMonth)
	assert.Equal(t, 3, summary.Generated)
	assert.Empty(t, summary.Failures)

	// Second run in skip mode leaves everything alone.
	out, err = runCLI(t, "generate", "--tenant", "demo-standard", "--month", month.String(), "--mode", "skip_existing")
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &summary), out)
	assert.Zero(t, summary.Generated)
	assert.Equal(t, 3, summary.SkippedExisting)

	s, err := sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	invoices, err := s.ListInvoices(context.Background(), "demo-standard", month)
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	assert.Equal(t, "batch", invoices[0].GeneratedBy)
}

func TestGenerateCommand_Rejections(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("ENV", "test")

	tests := []struct {
		name string
		args []string
	}{
		{"missing_tenant", []string{"generate", "--month", "2025-04"}},
		{"bad_month", []string{"generate", "--tenant", "t1", "--month", "April"}},
		{"bad_mode", []string{"generate", "--tenant", "t1", "--month", "2025-04", "--mode", "merge"}},
		{"unknown_tenant", []string{"generate", "--tenant", "t1", "--month", "2025-04"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestMigrateCommand_SQLite(t *testing.T) {
	t.Setenv("STORE", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "m.db"))
	t.Setenv("ENV", "test")

	_, err := runCLI(t, "migrate")
	assert.NoError(t, err)
}

func TestOpenBackend_UnknownStore(t *testing.T) {
	_, err := openBackend(context.Background(), &config.Config{Store: "mysql"})
	assert.Error(t, err)
}
