package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.Handler, mutate ...func(*Config)) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:  srv.URL,
		Email:    "ops@example.com",
		Password: "secret",
		Location: time.UTC,
		Retry:    RetryPolicy{MaxAttempts: 3, Backoff: LinearBackoff(time.Millisecond)},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

func TestLogin_TokenFromBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultLoginPath, r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ops@example.com", body["email"])
		assert.Equal(t, "secret", body["senha"])

		_, _ = io.WriteString(w, `{"access_token":"abc"}`)
	}))

	token, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestLogin_TokenFromHeader(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Authorization", "Bearer hdr-token")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))

	token, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hdr-token", token)
}

func TestLogin_NoToken(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))

	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestLogin_UnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))

	_, err := c.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_RequestShape(t *testing.T) {
	sent := time.Date(2026, 3, 1, 13, 4, 5, 0, time.UTC)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultSubmitPath, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "ops@example.com", q.Get("Email"))
		assert.Equal(t, "90", q.Get("IdEmpresa"))
		assert.Equal(t, "COSTA", q.Get("CentroCusto"))
		assert.Equal(t, "2026-03-01T13:04:05", q.Get("DataEnvio"))
		assert.Equal(t, "true", q.Get("Higienizacao"))
		assert.Equal(t, "false", q.Get("Oficial"))
		assert.Equal(t, "1", q.Get("IdTipoAcaoEnvio"))
		assert.Equal(t, SubmitMessage, q.Get("Mensagem"))
		assert.Equal(t, "false", q.Get("ProcessamentoExterno"))

		f, fh, err := r.FormFile("Mailing")
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		assert.Equal(t, "batch1.csv", fh.Filename)
		assert.Equal(t, "text/csv", fh.Header.Get("Content-Type"))
		b, _ := io.ReadAll(f)
		assert.Equal(t, "Destinatario;Var1\n5511;\n", string(b))

		_, _ = io.WriteString(w, `{"idAcaoEnvio": 4242}`)
	}))

	id, err := c.Submit(context.Background(), SubmitRequest{
		FileName:   "batch1.csv",
		Content:    []byte("Destinatario;Var1\n5511;\n"),
		CostCenter: "COSTA",
		SentAt:     sent,
	}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "4242", id)
}

func TestSubmit_JobIDKeys(t *testing.T) {
	cases := map[string]string{
		`{"idAcao":"J-1"}`:            "J-1",
		`{"id":17}`:                   "17",
		`{"idAcaoEnvio":"","id":"x"}`: "x",
	}
	for body, want := range cases {
		body, want := body, want
		t.Run(want, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			id, err := c.Submit(context.Background(), SubmitRequest{Content: []byte("a\n")}, "tok")
			require.NoError(t, err)
			assert.Equal(t, want, id)
		})
	}
}

func TestSubmit_NoJobID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	_, err := c.Submit(context.Background(), SubmitRequest{Content: []byte("a\n")}, "tok")
	assert.ErrorIs(t, err, ErrNoJobID)
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))

	items, err := c.Poll(context.Background(), "1", "tok")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ExhaustionReportsAttempts(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Poll(context.Background(), "1", "tok")
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "poll", te.Op)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ThrottlingIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))

	_, err := c.Poll(context.Background(), "1", "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPoll_RequestAndItems(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, DefaultPollPath, r.URL.Path)
		assert.Equal(t, "ops@example.com", r.URL.Query().Get("Email"))
		assert.Equal(t, "J-9", r.URL.Query().Get("IdAcaoEnvio"))
		_, _ = io.WriteString(w, `[
			{"statusRetornoEnvio":"Validado","mensagem":"ok","idStatusRetornoEnvio":"7","destinatario":"+55 (11) 91234-5678"},
			{"statusRetornoEnvio":"Processada","numero":5511888880000,"idStatusRetornoEnvio":3}
		]`)
	}))

	items, err := c.Poll(context.Background(), "J-9", "tok")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Validado", items[0].Status)
	assert.Equal(t, "ok", items[0].Message)
	require.NotNil(t, items[0].Code)
	assert.Equal(t, 7, *items[0].Code)
	assert.Equal(t, "+55 (11) 91234-5678", items[0].Recipient)

	assert.Equal(t, "5511888880000", items[1].Recipient)
	require.NotNil(t, items[1].Code)
	assert.Equal(t, 3, *items[1].Code)
}

func TestDecodeItems_ObjectUsesFirstNonEmptyArrayInOrder(t *testing.T) {
	body := []byte(`{"meta":{"n":2},"empty":[],"zz":[{"statusRetornoEnvio":"A"}],"aa":[{"statusRetornoEnvio":"B"}]}`)
	items, err := decodeItems(body)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].Status)
}

func TestDecodeItems_EdgeShapes(t *testing.T) {
	items, err := decodeItems([]byte(`null`))
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = decodeItems([]byte(`{"data":[]}`))
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = decodeItems([]byte(`[1,"x",{"statusRetornoEnvio":"Enviado","idStatusRetornoEnvio":"abc"}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Code)

	_, err = decodeItems([]byte(`{"data":[`))
	assert.Error(t, err)
}

func TestDecodeItems_TrimsTextFields(t *testing.T) {
	items, err := decodeItems([]byte(`[{"statusRetornoEnvio":" Enviado ","mensagem":"  numero valido ","destinatario":" 11912345678 "}]`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Enviado", items[0].Status)
	assert.Equal(t, "numero valido", items[0].Message)
	assert.Equal(t, "11912345678", items[0].Recipient)
}

func TestLinearBackoff(t *testing.T) {
	f := LinearBackoff(time.Second)
	assert.Equal(t, time.Second, f(1))
	assert.Equal(t, 3*time.Second, f(3))
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{BaseURL: "http://x/"})
	assert.Equal(t, "http://x", c.cfg.BaseURL)
	assert.Equal(t, DefaultCompanyID, c.cfg.CompanyID)
	assert.Equal(t, 60*time.Second, c.cfg.SubmitTimeout)
	assert.Equal(t, 30*time.Second, c.cfg.PollTimeout)
	assert.Equal(t, 3, c.cfg.Retry.MaxAttempts)
	assert.Nil(t, c.limiter)
}
