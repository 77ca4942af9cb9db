package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/imgcompress/internal/blob"
	"github.com/dunamismax/imgcompress/internal/domain"
	"github.com/dunamismax/imgcompress/internal/pipeline"
	"github.com/dunamismax/imgcompress/internal/queue"
	"github.com/dunamismax/imgcompress/internal/ratelimit"
	"github.com/dunamismax/imgcompress/internal/storage"
	"github.com/dunamismax/imgcompress/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	if err := pipeline.Startup(); err != nil {
		panic(err)
	}
	code := m.Run()
	pipeline.Shutdown()
	os.Exit(code)
}

type fixture struct {
	server   *Server
	handler  http.Handler
	blobs    *blob.Registry
	sessions *store.MemorySessionStore
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	blobs := blob.NewRegistry()
	sessions := store.NewMemorySessionStore(blobs.Revoke)
	opts := Options{
		Sessions:      sessions,
		Blobs:         blobs,
		SoftSizeLimit: 10 << 20,
		SiteName:      "ImgCompress",
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := NewServer(zap.NewNop(), opts)
	require.NoError(t, err)
	return &fixture{server: s, handler: s.Handler(), blobs: blobs, sessions: sessions}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/v1/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var view struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.NotEmpty(t, view.ID)
	return view.ID
}

type upload struct {
	name string
	data []byte
}

func (f *fixture) upload(t *testing.T, sessionID string, files ...upload) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, file := range files {
		part, err := mw.CreateFormFile("files", file.name)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/images", body.Bytes(), mw.FormDataContentType())
	var resp uploadResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func noisePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	rng := rand.New(rand.NewSource(int64(w + h)))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
	require.Contains(t, rec.Body.String(), pipeline.EncoderName())
}

func TestSessionUploadProcessDownload(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	rec, resp := f.upload(t, sessionID,
		upload{name: "holiday.png", data: noisePNG(t, 160, 120)},
		upload{name: "notes.txt", data: []byte("plain text is not an image")},
	)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, resp.Images, 1)
	require.Len(t, resp.Rejected, 1)
	require.Equal(t, "notes.txt", resp.Rejected[0].Name)
	imageID := resp.Images[0].ID

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/images/"+imageID+"/download", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/images/"+imageID+"/original", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	cfg := domain.DefaultProcessingConfig()
	cfg.TargetFormat = domain.FormatJPEG
	rec = f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/process", mustJSON(t, cfg), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.server.Wait()

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+sessionID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Processing  bool              `json:"processing"`
		Percent     float64           `json:"percent"`
		SummaryText string            `json:"summary_text"`
		Progress    pipeline.Progress `json:"progress"`
		Records     []struct {
			State        domain.RecordState `json:"state"`
			DownloadName string             `json:"download_name"`
			BytesSaved   int64              `json:"bytes_saved"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.False(t, view.Processing)
	require.Equal(t, float64(100), view.Percent)
	require.Equal(t, pipeline.Progress{Completed: 1, Total: 1}, view.Progress)
	require.Contains(t, view.SummaryText, "1/1 succeeded")
	require.Len(t, view.Records, 1)
	require.Equal(t, domain.RecordSucceeded, view.Records[0].State)
	require.Equal(t, "ImgCompress-holiday.jpeg", view.Records[0].DownloadName)
	require.Positive(t, view.Records[0].BytesSaved)

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+sessionID+"/images/"+imageID+"/download", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="ImgCompress-holiday.jpeg"`, rec.Header().Get("Content-Disposition"))
	require.NotZero(t, rec.Body.Len())
}

func TestProcessRejectsBusySession(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)
	_, _ = f.upload(t, sessionID, upload{name: "a.png", data: noisePNG(t, 16, 16)})

	_, err := f.sessions.BeginRun(sessionID, domain.DefaultProcessingConfig())
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/process", mustJSON(t, domain.DefaultProcessingConfig()), "application/json")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProcessValidatesConfig(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	cfg := domain.DefaultProcessingConfig()
	cfg.QualityPercent = 0
	rec := f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/process", mustJSON(t, cfg), "application/json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/process", []byte(`{"target_format":"jxl","quality":80}`), "application/json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/sessions/missing/process", mustJSON(t, domain.DefaultProcessingConfig()), "application/json")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadWarnsAboveSoftLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SoftSizeLimit = 64 })
	sessionID := f.createSession(t)

	rec, resp := f.upload(t, sessionID, upload{name: "big.png", data: noisePNG(t, 32, 32)})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, resp.Images, 1)
	require.Len(t, resp.Warnings, 1)
	require.Contains(t, resp.Warnings[0], "big.png")
	require.Contains(t, resp.Warnings[0], "64 B")
}

func TestUploadRejectsOversizedFilesIndividually(t *testing.T) {
	small := noisePNG(t, 8, 8)
	large := noisePNG(t, 64, 64)
	f := newFixture(t, func(o *Options) {
		o.MaxFileBytes = int64(len(small)) + 1
		o.MaxUploadBytes = 4 << 20
	})
	sessionID := f.createSession(t)

	files := []upload{{name: "small.png", data: small}}
	for i := 0; i < 6; i++ {
		files = append(files, upload{name: fmt.Sprintf("large-%d.png", i), data: large})
	}
	rec, resp := f.upload(t, sessionID, files...)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, resp.Images, 1)
	require.Equal(t, "small.png", resp.Images[0].Name)
	require.Len(t, resp.Rejected, 6)
	require.Contains(t, resp.Rejected[0].Reason, "per-file limit")

	count, _ := f.blobs.Stats()
	require.Equal(t, 1, count)
}

func TestUploadRequestCapStillApplies(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxUploadBytes = 256 })
	sessionID := f.createSession(t)

	rec, _ := f.upload(t, sessionID, upload{name: "a.png", data: noisePNG(t, 64, 64)})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadRejectsOnlyNonImages(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	rec, resp := f.upload(t, sessionID, upload{name: "a.txt", data: []byte("hello")})
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	require.Empty(t, resp.Images)

	count, _ := f.blobs.Stats()
	require.Zero(t, count)
}

func TestRemoveImageAndDeleteSessionReleaseBlobs(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)

	_, resp := f.upload(t, sessionID,
		upload{name: "a.png", data: noisePNG(t, 16, 16)},
		upload{name: "b.png", data: noisePNG(t, 24, 24)},
	)
	require.Len(t, resp.Images, 2)
	count, _ := f.blobs.Stats()
	require.Equal(t, 2, count)

	rec := f.do(t, http.MethodDelete, "/v1/sessions/"+sessionID+"/images/"+resp.Images[0].ID, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	count, _ = f.blobs.Stats()
	require.Equal(t, 1, count)

	rec = f.do(t, http.MethodDelete, "/v1/sessions/"+sessionID, nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	count, _ = f.blobs.Stats()
	require.Zero(t, count)

	rec = f.do(t, http.MethodGet, "/v1/sessions/"+sessionID, nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetSessionClearsImages(t *testing.T) {
	f := newFixture(t, nil)
	sessionID := f.createSession(t)
	_, _ = f.upload(t, sessionID, upload{name: "a.png", data: noisePNG(t, 16, 16)})

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/reset", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"records":[]`)

	count, _ := f.blobs.Stats()
	require.Zero(t, count)
}

type fakeEnqueuer struct {
	payloads []queue.ProcessBatchPayload
}

func (f *fakeEnqueuer) EnqueueProcessBatch(_ context.Context, payload queue.ProcessBatchPayload) (*asynq.TaskInfo, error) {
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: payload.BatchID, Queue: "default", State: asynq.TaskStatePending}, nil
}

func TestCreateBatchLocalFile(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	f := newFixture(t, func(o *Options) { o.QueueClient = enqueuer })

	src := filepath.Join(t.TempDir(), "a.png")
	data := noisePNG(t, 16, 16)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	req := domain.CreateBatchRequest{
		SourceType: domain.SourceTypeLocalFile,
		Images:     []domain.BatchImage{{ObjectKey: src}},
		Config:     domain.DefaultProcessingConfig(),
	}
	rec := f.do(t, http.MethodPost, "/v1/batches", mustJSON(t, req), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, enqueuer.payloads, 1)

	payload := enqueuer.payloads[0]
	require.True(t, strings.HasPrefix(payload.BatchID, "bat_"))
	require.Equal(t, int64(len(data)), payload.Images[0].Size)
	require.Contains(t, rec.Body.String(), payload.BatchID)

	req.Images = []domain.BatchImage{{ObjectKey: filepath.Join(t.TempDir(), "missing.png")}}
	rec = f.do(t, http.MethodPost, "/v1/batches", mustJSON(t, req), "application/json")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateBatchWithoutQueueOrStorage(t *testing.T) {
	f := newFixture(t, nil)
	req := domain.CreateBatchRequest{
		SourceType: domain.SourceTypeObjectStore,
		Images:     []domain.BatchImage{{ObjectKey: "uploads/a.png"}},
		Config:     domain.DefaultProcessingConfig(),
	}
	rec := f.do(t, http.MethodPost, "/v1/batches", mustJSON(t, req), "application/json")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f = newFixture(t, func(o *Options) { o.QueueClient = &fakeEnqueuer{} })
	rec = f.do(t, http.MethodPost, "/v1/batches", mustJSON(t, req), "application/json")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/uploads", []byte(`{"name":"a.png"}`), "application/json")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type fakeStorage struct {
	sizes map[string]int64
}

func (f fakeStorage) PresignedUploadURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://storage.test/" + objectKey + "?sig=1", nil
}

func (f fakeStorage) ObjectSize(_ context.Context, objectKey string) (int64, error) {
	size, ok := f.sizes[objectKey]
	if !ok {
		return 0, storageNotFound(objectKey)
	}
	return size, nil
}

func storageNotFound(objectKey string) error {
	return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectKey)
}

func TestCreateUploadAndObjectStoreBatch(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	objects := fakeStorage{sizes: map[string]int64{}}
	f := newFixture(t, func(o *Options) {
		o.QueueClient = enqueuer
		o.Storage = objects
	})

	rec := f.do(t, http.MethodPost, "/v1/uploads", []byte(`{"name":"../cat.png"}`), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ObjectKey string `json:"object_key"`
		URL       string `json:"presigned_put_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, strings.HasPrefix(created.ObjectKey, "uploads/"))
	require.True(t, strings.HasSuffix(created.ObjectKey, "/cat.png"))
	require.Contains(t, created.URL, created.ObjectKey)

	req := domain.CreateBatchRequest{
		SourceType: domain.SourceTypeObjectStore,
		Images:     []domain.BatchImage{{ObjectKey: created.ObjectKey}},
		Config:     domain.DefaultProcessingConfig(),
	}
	rec = f.do(t, http.MethodPost, "/v1/batches", mustJSON(t, req), "application/json")
	require.Equal(t, http.StatusConflict, rec.Code)

	objects.sizes[created.ObjectKey] = 4096
	rec = f.do(t, http.MethodPost, "/v1/batches", mustJSON(t, req), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, int64(4096), enqueuer.payloads[0].Images[0].Size)
}

type denyLimiter struct {
	calls   int
	budget  ratelimit.Budget
	subject string
	cost    int
}

func (d *denyLimiter) Take(_ context.Context, budget ratelimit.Budget, subject string, cost int) (ratelimit.Decision, error) {
	d.calls++
	d.budget = budget
	d.subject = subject
	d.cost = cost
	return ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: 1500 * time.Millisecond, ResetAfter: 4 * time.Second}, nil
}

func TestRateLimitRejectsMutations(t *testing.T) {
	limiter := &denyLimiter{}
	f := newFixture(t, func(o *Options) { o.RateLimiter = limiter })

	rec := f.do(t, http.MethodPost, "/v1/sessions", nil, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "4", rec.Header().Get("X-RateLimit-Reset"))
	require.Equal(t, ratelimit.BudgetRequests, limiter.budget)
	require.Equal(t, "anonymous:/v1/sessions", limiter.subject)

	rec = f.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, limiter.calls)
}

func TestRateLimitChargesPerImageForProcess(t *testing.T) {
	limiter := &denyLimiter{}
	f := newFixture(t, func(o *Options) { o.RateLimiter = limiter })

	sess := f.sessions.Create()
	require.NoError(t, f.sessions.AddImages(sess.ID,
		domain.NewImageRecord("a", "a.png", "ref-a", 1),
		domain.NewImageRecord("b", "b.png", "ref-b", 1),
		domain.NewImageRecord("c", "c.png", "ref-c", 1),
	))

	rec := f.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/process", mustJSON(t, domain.DefaultProcessingConfig()), "application/json")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, 3, limiter.cost)
	require.Equal(t, ratelimit.BudgetImages, limiter.budget)
	require.Equal(t, "anonymous", limiter.subject)
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":                                  "/healthz",
		"/metrics":                                  "/metrics",
		"/v1/sessions":                              "/v1/sessions",
		"/v1/sessions/ses_1":                        "/v1/sessions/{id}",
		"/v1/sessions/ses_1/images":                 "/v1/sessions/{id}/images",
		"/v1/sessions/ses_1/process":                "/v1/sessions/{id}/process",
		"/v1/sessions/ses_1/images/img_1":           "/v1/sessions/{id}/images/{imageID}",
		"/v1/sessions/ses_1/images/img_1/download":  "/v1/sessions/{id}/images/{imageID}/download",
		"/v1/sessions/ses_1/images/img_1/original/": "/v1/sessions/{id}/images/{imageID}/original",
		"/v1/batches":                               "/v1/batches",
		"/v1/uploads":                               "/v1/uploads",
		"/v1/sessions/ses_1/unknown":                "other",
		"/v2/anything":                              "other",
		"/":                                         "other",
	}
	for path, want := range cases {
		require.Equal(t, want, routeLabel(path), path)
	}
}
