package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/portal-extractor/internal/config"
)

type fakeApp struct {
	ran bool
	err error
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.err
}

func withFakeApp(t *testing.T, app *fakeApp, buildErr error) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, _ *config.Config) (App, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		return app, nil
	}
	t.Cleanup(func() {
		newApp = orig
		cfgFile = ""
	})
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app, nil)

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, app.ran)
}

func TestServeIgnoresCanceledContext(t *testing.T) {
	app := &fakeApp{err: context.Canceled}
	withFakeApp(t, app, nil)

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	require.NoError(t, root.ExecuteContext(context.Background()))
}

func TestServeReportsBuildError(t *testing.T) {
	withFakeApp(t, &fakeApp{}, errors.New("boom"))

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestValidateUsesConfigFile(t *testing.T) {
	withFakeApp(t, &fakeApp{}, nil)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("browser:\n  max_sessions: 4\n"), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "sessions=4")
}

func TestInvalidConfigFails(t *testing.T) {
	withFakeApp(t, &fakeApp{}, nil)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: redis\n"), 0o600))

	root := newRootCmd()
	root.SetArgs([]string{"validate", "--config", path})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "store.backend")
}
