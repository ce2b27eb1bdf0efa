package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geostream/internal/config"
	"github.com/ChuLiYu/geostream/internal/httpapi"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/storage/wal"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "gwss", cmd.Use, "Root command should be 'gwss'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "status", "publish", "unpublish", "pause", "resume", "cleanup", "restart", "history"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/gwss.yaml", configFlag.DefValue, "Default config path should be configs/gwss.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("addr"), "Should have --addr flag")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestPublishRequiresRef(t *testing.T) {
	_, err := execute(t, "publish")
	assert.Error(t, err, "publish without a ref should fail")
}

// adminStub records the admin API calls the control commands make.
type adminStub struct {
	mu    sync.Mutex
	calls []string
}

func (a *adminStub) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls = append(a.calls, r.Method+" "+r.URL.Path)
		a.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
	mux.HandleFunc("POST /api/v1/{action}", record)
	mux.HandleFunc("POST /api/v1/pipelines/{ref}/publish", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("ref") == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid pipeline reference"}`))
			return
		}
		record(w, r)
	})
	mux.HandleFunc("DELETE /api/v1/pipelines/{ref}", record)
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(httpapi.StatusResponse{
			Report: types.StatusReport{
				NodeID:     "node-9",
				Name:       "edge",
				ServerType: types.ServerPublisher,
				Pipelines: map[types.PipelineStatusCode][]types.PipelineRef{
					types.PipelinePublished: {"roads", "rivers"},
				},
			},
			Managers: map[string]httpapi.ManagerStatus{
				"import":  {Idle: true, Stats: map[string]int{"pending": 0}},
				"process": {Paused: true, Stats: map[string]int{"pending": 4}},
			},
		})
	})
	return mux
}

func TestControlCommands(t *testing.T) {
	stub := &adminStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	for _, args := range [][]string{
		{"pause"}, {"resume"}, {"cleanup"}, {"restart"},
		{"publish", "roads"}, {"unpublish", "roads"},
	} {
		_, err := execute(t, append([]string{"--addr", srv.URL}, args...)...)
		require.NoError(t, err, "command %v should succeed", args)
	}

	assert.Equal(t, []string{
		"POST /api/v1/pause",
		"POST /api/v1/resume",
		"POST /api/v1/cleanup",
		"POST /api/v1/restart",
		"POST /api/v1/pipelines/roads/publish",
		"DELETE /api/v1/pipelines/roads",
	}, stub.calls)
}

func TestCommandReportsAPIError(t *testing.T) {
	srv := httptest.NewServer((&adminStub{}).handler())
	t.Cleanup(srv.Close)

	_, err := execute(t, "--addr", srv.URL, "publish", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pipeline reference")
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer((&adminStub{}).handler())
	t.Cleanup(srv.Close)

	out, err := execute(t, "--addr", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "node-9")
	assert.Contains(t, out, "Publisher")
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "pending=4")
	assert.Contains(t, out, "published:")
}

func TestStatusCommandNodeDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := execute(t, "--addr", addr, "--timeout", "1s", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach node")
}

func TestHistoryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.wal")
	w, err := wal.NewWAL(path, true)
	require.NoError(t, err)

	start := time.Now().Add(-time.Second)
	end := time.Now()
	st := types.OperationStatus{
		ID:         "job-1",
		Operation:  types.OperationPublish,
		Parameters: map[string]string{"ProcRef": "roads"},
		StartedAt:  &start,
		EndedAt:    &end,
	}
	require.NoError(t, w.Record(wal.EventStarted, st))
	require.NoError(t, w.Record(wal.EventCompleted, st))
	require.NoError(t, w.Close())

	out, err := execute(t, "history", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "STARTED")
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "roads")

	out, err = execute(t, "history", "--file", path, "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Events:    2")
	assert.Contains(t, out, "COMPLETED:")

	out, err = execute(t, "history", "--file", path, "--validate")
	require.NoError(t, err)
	assert.Contains(t, out, "2 events")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Replace(raw, []byte("roads"), []byte("rails"), 1), 0o644))
	_, err = execute(t, "history", "--file", path, "--validate")
	require.Error(t, err)
	assert.ErrorIs(t, err, wal.ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "damaged")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	configFile = filepath.Join(dir, "gwss.yaml")
	envFile = filepath.Join(dir, "missing.env")
	require.NoError(t, os.WriteFile(configFile, []byte(`
server:
  name: edge-2
  type: Test
transfer:
  base_url: http://files.local
`), 0o644))

	cfg, err := loadConfig()
	require.NoError(t, err, "loadConfig should not return an error")
	assert.Equal(t, "edge-2", cfg.Server.Name)
	assert.Equal(t, types.ServerTest, cfg.Server.ServerType())
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	configFile = filepath.Join(dir, "gwss.yaml")
	envFile = filepath.Join(dir, "missing.env")
	require.NoError(t, os.WriteFile(configFile, []byte("server:\n  type: Renderer\n"), 0o644))

	_, err := loadConfig()
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	configFile = "/nonexistent/gwss.yaml"
	envFile = ""

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Server.Type = string(types.ServerTest)
	cfg.Paths = config.PathsConfig{
		Temp:          filepath.Join(dir, "tmp"),
		ProcessCache:  filepath.Join(dir, "cache"),
		DownloadCache: filepath.Join(dir, "downloads"),
		Tiles:         filepath.Join(dir, "tiles"),
		Repository:    filepath.Join(dir, "pipelines.json"),
		Journal:       filepath.Join(dir, "journal.wal"),
	}
	cfg.Jobs.ReportInterval = 0
	cfg.Jobs.RestartInterval = 0
	cfg.Jobs.CleanUpInterval = 0
	cfg.HTTP.Enabled = false
	cfg.GRPC.Enabled = false
	return &cfg
}

func TestStartNodeAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	n, err := startNode(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, n.manager)
	assert.Len(t, n.manager.Managers(), 6)
	assert.False(t, n.manager.ShouldExit())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, n.shutdown(ctx))
	assert.True(t, n.manager.ShouldExit())

	for _, dir := range []string{cfg.Paths.Temp, cfg.Paths.ProcessCache, cfg.Paths.DownloadCache, cfg.Paths.Tiles} {
		assert.DirExists(t, dir)
	}
	assert.FileExists(t, cfg.Paths.Journal)

	// the repository lock is released on shutdown
	repo, err := repository.OpenFileStore(cfg.Paths.Repository, nil)
	require.NoError(t, err)
	assert.NoError(t, repo.Close())
}

func TestStartNodeRepositoryLocked(t *testing.T) {
	cfg := testConfig(t)
	held, err := repository.OpenFileStore(cfg.Paths.Repository, nil)
	require.NoError(t, err)
	t.Cleanup(func() { held.Close() })

	_, err = startNode(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, repository.ErrLocked)
}
