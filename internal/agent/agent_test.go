package agent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MasonGillDev/instance-scripts/internal/agent"
	"github.com/MasonGillDev/instance-scripts/internal/fetch"
	"github.com/MasonGillDev/instance-scripts/internal/model"
	"github.com/MasonGillDev/instance-scripts/internal/store"
	"github.com/MasonGillDev/instance-scripts/internal/update"

	"github.com/stretchr/testify/require"
)

func loopConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Watch.Dir = t.TempDir()
	cfg.Watch.Each = model.Duration(50 * time.Millisecond)
	cfg.Download.Dir = t.TempDir()
	return cfg
}

func writeJobFile(t *testing.T, dir, name string, job model.Job) {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0644))
}

func TestAgentLoop(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("DEADBEEF00"))
	}))
	t.Cleanup(srv.Close)

	cfg := loopConfig(t)
	writeJobFile(t, cfg.Watch.Dir, "first.json", model.Job{URL: srv.URL + "/y.bin", Filename: "y.bin"})

	a, err := agent.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var g errgroup.Group
	g.Go(func() error {
		return a.Do(ctx)
	})

	// job present at startup is processed on the first scan
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.Watch.Dir, "first.json.completed"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(cfg.Download.Dir, "y.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("DEADBEEF00"), got)

	// a job arriving later is picked up by a subsequent tick
	writeJobFile(t, cfg.Watch.Dir, "later.json", model.Job{URL: srv.URL + "/z.bin", Filename: "z.bin"})
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(cfg.Watch.Dir, "later.json.completed"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())
}

func TestAgentLoopGarbageCollects(t *testing.T) {
	t.Parallel()

	cfg := loopConfig(t)

	// a record finished two days ago is past its 24h retention
	record := model.Record{
		Job:        model.Job{URL: "https://x/old.bin"},
		State:      model.OutcomeCompleted,
		FinishedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	b, err := json.Marshal(record)
	require.NoError(t, err)
	path := filepath.Join(cfg.Watch.Dir, "old.json.completed")
	require.NoError(t, os.WriteFile(path, b, 0644))

	a, err := agent.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		return a.Do(ctx)
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())
}

func TestAgentLoopSweepsScratch(t *testing.T) {
	t.Parallel()

	cfg := loopConfig(t)
	stale := filepath.Join(cfg.Download.Dir, ".scratch-leftover")
	require.NoError(t, os.WriteFile(stale, []byte("half a download"), 0644))

	a, err := agent.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		return a.Do(ctx)
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())
}

func TestAgentSelfUpdateRestart(t *testing.T) {
	t.Parallel()

	newBinary := "\x7fELF new binary"
	mux := http.NewServeMux()
	mux.HandleFunc("/VERSION", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("v2\n"))
	})
	mux.HandleFunc("/agentd", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(newBinary))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	installPath := filepath.Join(t.TempDir(), "agentd")
	require.NoError(t, os.WriteFile(installPath, []byte("\x7fELF old binary"), 0755))

	cfg := loopConfig(t)
	cfg.Update = model.Update{
		Enabled:     true,
		Each:        model.Duration(40 * time.Millisecond),
		VersionURL:  parseURL(t, srv.URL+"/VERSION"),
		ArtifactURL: parseURL(t, srv.URL+"/agentd"),
		InstallPath: installPath,
	}

	a, err := agent.New(cfg)
	require.NoError(t, err)

	client := fetch.New(time.Second, 10*time.Second)
	t.Cleanup(client.CloseIdleConnections)
	a.WithUpdater(update.New(client, cfg.Update).WithLocalVersion("v1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = a.Do(ctx)
	require.ErrorIs(t, err, update.ErrRestart)

	got, err := os.ReadFile(installPath)
	require.NoError(t, err)
	require.Equal(t, newBinary, string(got))
}

func TestProcessOne(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("DEADBEEF00"))
	}))
	t.Cleanup(srv.Close)

	cfg := loopConfig(t)
	writeJobFile(t, cfg.Watch.Dir, "one.json", model.Job{URL: srv.URL + "/y.bin", Filename: "y.bin"})

	a, err := agent.New(cfg)
	require.NoError(t, err)

	outcome, err := a.ProcessOne(context.Background(), "one.json")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCompleted, outcome)
	require.FileExists(t, filepath.Join(cfg.Watch.Dir, "one.json.completed"))

	// the store view agrees: nothing pending anymore
	st, err := store.New(cfg.Watch.Dir)
	require.NoError(t, err)
	names, err := st.ListPending()
	require.NoError(t, err)
	require.Empty(t, names)
}

func parseURL(t *testing.T, s string) model.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return model.URL{URL: u}
}
