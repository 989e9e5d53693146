package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"fileconv/cdn"
	"fileconv/config"
	"fileconv/conversion"
	"fileconv/models"
	"fileconv/progress"
	"fileconv/queue"
	"fileconv/services"

	"github.com/alicebob/miniredis/v2"
	gws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scanner struct{ clean bool }

func (s scanner) Scan(context.Context, string) (*services.ScanVerdict, error) {
	if s.clean {
		return &services.ScanVerdict{IsClean: true}, nil
	}
	return &services.ScanVerdict{Threat: "Eicar-Test-Signature"}, nil
}

type harness struct {
	server *Server
	store  *services.JobStore
	queue  *queue.Queue
	pub    *cdn.Publisher
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, cfg *config.Config, clean bool) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := services.NewKeys("api:")
	disk, err := cdn.NewDiskStore(t.TempDir(), "http://api.test/cdn")
	require.NoError(t, err)

	h := &harness{
		store: services.NewJobStore(rdb, keys, time.Hour),
		queue: queue.New(rdb, keys, time.Hour),
		pub:   cdn.NewPublisher(rdb, keys, disk, "http://api.test", zap.NewNop()),
		mr:    mr,
	}
	svc := conversion.NewService(cfg, conversion.Dependencies{
		Store:   h.store,
		Queue:   h.queue,
		CDN:     h.pub,
		Scanner: scanner{clean: clean},
	}, zap.NewNop())

	b := progress.NewBroadcaster(h.store, 20*time.Millisecond, zap.NewNop())
	t.Cleanup(b.Close)

	h.server = NewServer(cfg, svc, b, h.pub, h.store, zap.NewNop())
	return h
}

func testConfig() *config.Config {
	return &config.Config{
		MaxFileBytes:         10 << 20,
		PremiumMaxFileBytes:  100 << 20,
		PremiumPriorityBoost: 10,
		SubmitRate:           100,
		SubmitBurst:          100,
		UploadDir:            "/uploads",
	}
}

func (h *harness) do(t *testing.T, method, target string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.server.App().Test(req, 5000)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, data
}

func validRequest() conversion.SubmitRequest {
	return conversion.SubmitRequest{
		UserID:       "u-1",
		SourceFile:   "/uploads/photo.jpg",
		FileName:     "photo.jpg",
		SourceFormat: "jpg",
		TargetFormat: "pdf",
		SourceSize:   1024,
		Priority:     1,
	}
}

func TestServer_SubmitAndInspect(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	resp, body := h.do(t, http.MethodPost, "/jobs", validRequest())
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var accepted struct {
		JobID  string           `json:"jobId"`
		Status models.JobStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.NotEmpty(t, accepted.JobID)
	assert.Equal(t, models.StatusPending, accepted.Status)

	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	resp, body = h.do(t, http.MethodGet, "/jobs/"+accepted.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job models.ConversionJob
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "pdf", job.TargetFormat)

	resp, body = h.do(t, http.MethodGet, "/jobs/"+accepted.JobID+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ev progress.Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, progress.TypeProgress, ev.Type)
	assert.Zero(t, ev.Progress)

	resp, _ = h.do(t, http.MethodGet, "/jobs/"+accepted.JobID+"/result", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SubmitErrors(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		h := newHarness(t, testConfig(), true)
		req := validRequest()
		req.TargetFormat = ""
		resp, _ := h.do(t, http.MethodPost, "/jobs", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := newHarness(t, testConfig(), true)
		req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.server.App().Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("job id with path elements", func(t *testing.T) {
		h := newHarness(t, testConfig(), true)
		req := validRequest()
		req.JobID = "../../../escaped"
		resp, body := h.do(t, http.MethodPost, "/jobs", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "jobId")

		n, err := h.queue.Len(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("source outside upload dir", func(t *testing.T) {
		h := newHarness(t, testConfig(), true)
		for _, src := range []string{"/etc/passwd", "/uploads/../etc/passwd"} {
			req := validRequest()
			req.SourceFile = src
			req.SourceFormat = "txt"
			resp, _ := h.do(t, http.MethodPost, "/jobs", req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, src)
		}
	})

	t.Run("infected", func(t *testing.T) {
		h := newHarness(t, testConfig(), false)
		resp, _ := h.do(t, http.MethodPost, "/jobs", validRequest())
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("duplicate id", func(t *testing.T) {
		h := newHarness(t, testConfig(), true)
		req := validRequest()
		req.JobID = "fixed"
		resp, _ := h.do(t, http.MethodPost, "/jobs", req)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp, _ = h.do(t, http.MethodPost, "/jobs", req)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("rate limited", func(t *testing.T) {
		cfg := testConfig()
		cfg.SubmitRate = 0.001
		cfg.SubmitBurst = 1
		h := newHarness(t, cfg, true)
		resp, _ := h.do(t, http.MethodPost, "/jobs", validRequest())
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp, body := h.do(t, http.MethodPost, "/jobs", validRequest())
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Contains(t, string(body), "rate limit")
	})
}

func TestServer_UnknownJob(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	resp, _ := h.do(t, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/jobs/nope/progress", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var ev progress.Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, progress.TypeError, ev.Type)
}

func publish(t *testing.T, h *harness, content string) *models.CDNFile {
	t.Helper()
	src := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(src, []byte(content), 0644))
	file, err := h.pub.Publish(context.Background(), src, "report.pdf", "application/pdf", 1)
	require.NoError(t, err)
	return file
}

func TestServer_Download(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	file := publish(t, h, "%PDF-1.4 body")

	resp, body := h.do(t, http.MethodGet, "/download?file="+file.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4 body", string(body))
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "report.pdf")

	resp, body = h.do(t, http.MethodGet, "/cdn/"+url.PathEscape(file.FilePath), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4 body", string(body))

	resp, _ = h.do(t, http.MethodGet, "/cdn/"+file.ID+"-other.pdf", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/download?file=00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/download", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PresignedDownload(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	file := publish(t, h, "%PDF")
	other := publish(t, h, "%PDF other")

	resp, body := h.do(t, http.MethodPost, "/files/"+file.ID+"/presign?minutes=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var signed cdn.Presigned
	require.NoError(t, json.Unmarshal(body, &signed))
	assert.NotEmpty(t, signed.Token)

	u, err := url.Parse(signed.URL)
	require.NoError(t, err)
	assert.Equal(t, file.ID, u.Query().Get("file"))

	resp, _ = h.do(t, http.MethodGet, u.RequestURI(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, u.RequestURI(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "tokens are single use")

	// A token for one file does not open another.
	resp, body = h.do(t, http.MethodPost, "/files/"+file.ID+"/presign", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &signed))
	q := url.Values{}
	q.Set("file", other.ID)
	q.Set("token", signed.Token)
	q.Set("expires", strconv.FormatInt(signed.ExpiresAt.Unix(), 10))
	resp, _ = h.do(t, http.MethodGet, "/download?"+q.Encode(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/download?file="+file.ID+"&token=abc&expires=soon", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/files/"+file.ID+"/presign?minutes=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/files/00000000-0000-0000-0000-000000000000/presign", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	h := newHarness(t, testConfig(), true)

	resp, _ := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	h.mr.Close()
	resp, _ = h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_WebSocketRequiresUpgrade(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	resp, _ := h.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func dial(t *testing.T, h *harness) *gws.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.server.App().Listener(ln) }()
	t.Cleanup(func() { _ = h.server.App().Shutdown() })

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gws.Conn) progress.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev progress.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestServer_WebSocketStreamsUntilTerminal(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	ctx := context.Background()

	job := &models.ConversionJob{JobID: "ws-job", Status: models.StatusProcessing, CreatedAt: time.Now()}
	require.NoError(t, h.store.CreateJob(ctx, job))
	require.NoError(t, h.store.SetProgress(ctx, "ws-job", 30))

	conn := dial(t, h)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "jobId": "ws-job"}))

	ev := readEvent(t, conn)
	assert.Equal(t, progress.TypeProgress, ev.Type)
	assert.Equal(t, "ws-job", ev.JobID)
	assert.Equal(t, 30, ev.Progress)

	require.NoError(t, h.store.SaveResult(ctx, &models.ConversionResult{JobID: "ws-job", Status: models.StatusCompleted, ResultURL: "http://api.test/download?file=x"}))
	job.Status = models.StatusCompleted
	require.NoError(t, h.store.SaveJob(ctx, job))

	for ev.Type == progress.TypeProgress {
		ev = readEvent(t, conn)
	}
	assert.Equal(t, progress.TypeCompleted, ev.Type)
	assert.Equal(t, 100, ev.Progress)
	require.NotNil(t, ev.Result)
	assert.Equal(t, "http://api.test/download?file=x", ev.Result.ResultURL)

	// The connection stays usable for other jobs.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "jobId": "missing"}))
	ev = readEvent(t, conn)
	assert.Equal(t, progress.TypeError, ev.Type)
	assert.Equal(t, "missing", ev.JobID)
}

func TestServer_WebSocketRejectsBadMessages(t *testing.T) {
	h := newHarness(t, testConfig(), true)
	conn := dial(t, h)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("hello")))
	ev := readEvent(t, conn)
	assert.Equal(t, progress.TypeError, ev.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "poke", "jobId": "j"}))
	ev = readEvent(t, conn)
	assert.Equal(t, progress.TypeError, ev.Type)
	assert.Contains(t, ev.Message, "poke")
}
