package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/intake-scanner/pkg/config"
	"github.com/censys/intake-scanner/pkg/notify"
	"github.com/censys/intake-scanner/pkg/scanner"
	"github.com/censys/intake-scanner/pkg/storage"
)

type recorder struct {
	mu    sync.Mutex
	notes map[string]notify.Notification
}

func (r *recorder) Publish(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[n.ObjectKey] = n
	return nil
}

func (r *recorder) get(key string) (notify.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[key]
	return n, ok
}

type env struct {
	p   *Pipeline
	srv *httptest.Server
	rec *recorder
}

func start(t *testing.T) *env {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	t.Cleanup(srv.Close)

	cfg := config.Load("test")
	cfg.Grant.AllowedContentTypes = []string{"application/pdf", "text/plain"}
	cfg.Grant.PublicBaseURL = "http://" + srv.Listener.Addr().String()
	cfg.Grant.TokenSecret = "0123456789abcdef0123456789abcdef"
	cfg.Grant.APIKeys = nil
	cfg.Store.IntakeBucket = "intake"
	cfg.Dispatch.Concurrency = 2
	cfg.Dispatch.ScanTimeout = time.Second
	cfg.Dispatch.BackoffInitial = time.Millisecond
	cfg.Dispatch.BackoffMax = 5 * time.Millisecond
	cfg.Scanner.Engines = []string{"signature", "sniff"}
	cfg.Notify.WebhookURL = ""

	rec := &recorder{notes: map[string]notify.Notification{}}
	p, err := New(cfg, zerolog.Nop(), rec)
	require.NoError(t, err)
	srv.Config.Handler = p.Handler()
	srv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx, "")
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &env{p: p, srv: srv, rec: rec}
}

func (e *env) upload(t *testing.T, filename, contentType, body string) string {
	t.Helper()
	req := `{"filename":"` + filename + `","contentType":"` + contentType + `","fileSize":` + strconv.Itoa(len(body)) + `}`
	resp, err := e.srv.Client().Post(e.srv.URL+"/get-upload-url", "application/json", strings.NewReader(req))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var g struct {
		UploadURL     string            `json:"uploadUrl"`
		FileKey       string            `json:"fileKey"`
		ExpiresIn     int               `json:"expiresIn"`
		UploadHeaders map[string]string `json:"uploadHeaders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))

	put, err := http.NewRequest(http.MethodPut, g.UploadURL, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range g.UploadHeaders {
		put.Header.Set(k, v)
	}
	presp, err := e.srv.Client().Do(put)
	require.NoError(t, err)
	presp.Body.Close()
	require.Equal(t, http.StatusOK, presp.StatusCode)
	return g.FileKey
}

func (e *env) waitRouted(t *testing.T, key string) notify.Notification {
	t.Helper()
	var n notify.Notification
	require.Eventually(t, func() bool {
		var ok bool
		n, ok = e.rec.get(key)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return n
}

func (e *env) areasOf(key string) []storage.Area {
	var in []storage.Area
	for _, a := range []storage.Area{storage.AreaIntake, storage.AreaClean, storage.AreaQuarantine} {
		if _, err := e.p.Store.Stat(context.Background(), a, key); err == nil {
			in = append(in, a)
		}
	}
	return in
}

func TestPipeline_CleanUpload(t *testing.T) {
	e := start(t)
	key := e.upload(t, "report.pdf", "application/pdf", "%PDF-1.7\nquarterly report\n")

	n := e.waitRouted(t, key)
	assert.Equal(t, notify.OutcomeSuccess, n.Outcome)
	assert.Equal(t, notify.PriorityLow, n.Priority)
	assert.Equal(t, []storage.Area{storage.AreaClean}, e.areasOf(key))
}

func TestPipeline_EICARQuarantined(t *testing.T) {
	e := start(t)
	key := e.upload(t, "eicar.txt", "text/plain", scanner.EICAR)

	n := e.waitRouted(t, key)
	assert.Equal(t, notify.OutcomeQuarantined, n.Outcome)
	assert.Equal(t, notify.PriorityHigh, n.Priority)
	assert.Equal(t, []storage.Area{storage.AreaQuarantine}, e.areasOf(key))
}

func TestPipeline_ExecutableDisguisedAsPDF(t *testing.T) {
	e := start(t)
	elf := "\x7fELF\x02\x01\x01\x00" + strings.Repeat("\x00", 56)
	key := e.upload(t, "invoice.pdf", "application/pdf", elf)

	n := e.waitRouted(t, key)
	assert.Equal(t, notify.OutcomeQuarantined, n.Outcome)
	assert.Equal(t, scanner.SniffSignature, n.Signature)
}

func TestPipeline_DisallowedTypeCreatesNothing(t *testing.T) {
	e := start(t)
	resp, err := e.srv.Client().Post(e.srv.URL+"/get-upload-url", "application/json",
		strings.NewReader(`{"filename":"setup.exe","contentType":"application/x-msdownload","fileSize":10}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidContentType", out["code"])
	assert.Empty(t, e.p.Store.Keys(storage.AreaIntake))
}
