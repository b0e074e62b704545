package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/listwatch/pkg/jobstore"
)

type fakeRemote struct {
	ready  atomic.Bool
	logins atomic.Int32
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/Login/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1234"})
	})
	mux.HandleFunc("/Uno/IncluirAcaoEnvio", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"idAcaoEnvio": 42}`))
	})
	mux.HandleFunc("/Uno/GetAcaoEnvioRetorno", func(w http.ResponseWriter, r *http.Request) {
		if !f.ready.Load() {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[
			{"statusRetornoEnvio": "Validado", "destinatario": "11912345678", "idStatusRetornoEnvio": 7},
			{"statusRetornoEnvio": "Invalido", "destinatario": "11900000000", "idStatusRetornoEnvio": 3}
		]`))
	})
	return mux
}

// setupEnv points every setting at temp dirs and the fake remote.
func setupEnv(t *testing.T, baseURL string) (inbox, storePath string) {
	t.Helper()
	root := t.TempDir()
	inbox = filepath.Join(root, "inbox")
	storePath = filepath.Join(root, "jobs.json")

	t.Setenv("LISTWATCH_BASE_URL", baseURL)
	t.Setenv("LISTWATCH_EMAIL", "ops@example.com")
	t.Setenv("LISTWATCH_PASSWORD", "secret")
	t.Setenv("LISTWATCH_WATCH_DIR", inbox)
	t.Setenv("LISTWATCH_STORE_PATH", storePath)
	t.Setenv("LISTWATCH_REMOTE_RETRY_BACKOFF", "1ms")
	return inbox, storePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := Execute(context.Background())
	return out.String(), err
}

func TestWatchOnce_SubmitsAndFinalizes(t *testing.T) {
	remote := &fakeRemote{}
	remote.ready.Store(true)
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	inbox, _ := setupEnv(t, srv.URL)
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	src := filepath.Join(inbox, "batch1.csv")
	require.NoError(t, os.WriteFile(src, []byte("Destinatario;Var1\n11912345678;COSTA\n11900000000;\n"), 0o644))

	_, err := execute(t, "watch", "--once")
	require.NoError(t, err)

	assert.NoFileExists(t, src)
	results, err := filepath.Glob(filepath.Join(inbox, "FINAL", "*.csv"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	body, err := os.ReadFile(results[0])
	require.NoError(t, err)
	assert.Equal(t, "Numero;Tem Zap\n11912345678;SIM\n11900000000;NAO\n", string(body))
	assert.Equal(t, int32(1), remote.logins.Load())
}

func TestWatchOnce_ThenJobsCommands(t *testing.T) {
	remote := &fakeRemote{}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	inbox, storePath := setupEnv(t, srv.URL)
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "a.csv"), []byte("Destinatario\n11912345678\n"), 0o644))

	_, err := execute(t, "watch", "--once")
	require.NoError(t, err)

	store, err := jobstore.OpenFile(storePath)
	require.NoError(t, err)
	recs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "42", recs[0].JobID)
	assert.Equal(t, jobstore.StateAwaiting, recs[0].State)
	assert.Equal(t, 1, recs[0].AttemptCount)
	require.NoError(t, store.Close())

	out, err := execute(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "a.csv")
	assert.Contains(t, out, "awaiting")

	out, err = execute(t, "jobs", "status", "42", "--json")
	require.NoError(t, err)
	var rec jobstore.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "a.csv", rec.SourceFileName)

	_, err = execute(t, "jobs", "status", "99")
	require.Error(t, err)
	assert.NotEqual(t, 0, ExitCode(err))

	out, err = execute(t, "jobs", "remove", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 42")

	out, err = execute(t, "jobs", "list", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestWatchOnce_LoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	inbox, _ := setupEnv(t, srv.URL)
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	src := filepath.Join(inbox, "a.csv")
	require.NoError(t, os.WriteFile(src, []byte("Destinatario\n1\n"), 0o644))

	_, err := execute(t, "watch", "--once")
	require.Error(t, err)
	assert.Equal(t, serviceUnavailable, ExitCode(err))
	assert.FileExists(t, src)
}

func TestWatch_MissingCredentials(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")
	t.Setenv("LISTWATCH_PASSWORD", "")

	_, err := execute(t, "watch", "--once")
	require.Error(t, err)
	assert.Equal(t, invalidArgument, ExitCode(err))
}

func TestConfigShow_RedactsPassword(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "base_url: http://127.0.0.1:1")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "secret")
}

func TestLogin(t *testing.T) {
	remote := &fakeRemote{}
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()
	setupEnv(t, srv.URL)

	out, err := execute(t, "login")
	require.NoError(t, err)
	assert.Contains(t, out, "login ok for ops@example.com (token ****1234)")
}

func TestGuard_PanicBecomesError(t *testing.T) {
	var g errgroup.Group
	g.Go(guard(zap.NewNop(), "watch loop", func() error {
		panic("boom")
	}))
	g.Go(guard(zap.NewNop(), "status server", func() error { return nil }))

	err := g.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errPanic))
	assert.Contains(t, err.Error(), "watch loop")
	assert.Contains(t, err.Error(), "boom")

	exit := exitError(serviceUnavailable, "Watch loop failed", err)
	assert.Equal(t, serviceUnavailable, ExitCode(exit))
}
