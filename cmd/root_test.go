package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/app"
	"github.com/casebook-app/migrate/internal/buildinfo"
	"github.com/casebook-app/migrate/internal/datastore"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/errors"
)

// testEnv points configuration at an empty directory and a SQLite file.
func testEnv(t *testing.T) string {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	dsn := filepath.Join(t.TempDir(), "casebook.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", dsn)
	return dsn
}

func execute(t *testing.T, args ...string) (string, *app.Context, error) {
	t.Helper()
	ctx := app.NewContext(buildinfo.NewContext("test", ""))
	root := RootCommand(ctx)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	require.NoError(t, ctx.Close())
	return out.String(), ctx, err
}

func TestConsentCommand(t *testing.T) {
	dsn := testEnv(t)

	mgr, err := datastore.Open(datastore.Config{Driver: datastore.DriverSQLite, DSN: dsn}, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Initialize())
	_, err = mgr.Users().CreateStub(context.Background(), repository.StubParams{
		Email: "ada@example.com", Name: "Ada", ClerkID: "user_1", SourceID: "kp_1",
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	_, _, err = execute(t, "users", "consent", "--email", "Ada@Example.com")
	require.NoError(t, err)

	mgr, err = datastore.Open(datastore.Config{Driver: datastore.DriverSQLite, DSN: dsn}, nil)
	require.NoError(t, err)
	defer mgr.Close()
	u, err := mgr.Users().FindByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.True(t, u.Migration.ConsentGiven)

	_, _, err = execute(t, "users", "consent", "--email", "nobody@example.com")
	assert.True(t, errors.IsNotFound(err) || errors.Is(err, repository.ErrUserNotFound))
}

func TestStageValidationRunsFirst(t *testing.T) {
	testEnv(t)

	_, ctx, err := execute(t, "users", "migrate", "--limit", "3")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Contains(t, err.Error(), "KINDE_CLIENT_SECRET")
	assert.NotEmpty(t, ctx.Build.RunID)
}

func TestConfigCheckWritesReport(t *testing.T) {
	testEnv(t)
	t.Setenv("FRONTEND_URL", "https://app.example.com")
	reportPath := filepath.Join(t.TempDir(), "check.json")

	out, ctx, err := execute(t, "config", "check", "--stage", "notify", "--report", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "notify")
	assert.Contains(t, out, "ready")

	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var env struct {
		RunID   string `json:"runId"`
		Command string `json:"command"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, ctx.Build.RunID, env.RunID)
	assert.Equal(t, "config check", env.Command)
}

func TestRootRejectsUnknownCommand(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "billing")
	assert.Error(t, err)
}
