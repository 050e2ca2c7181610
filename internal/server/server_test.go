package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imagelabeler "github.com/menta2k/image-labeler"
	"github.com/menta2k/image-labeler/internal/config"
	"github.com/menta2k/image-labeler/pkg/ingest"
)

// lionClient scores every image as a realistic lion
type lionClient struct{}

func (lionClient) Ping(context.Context, string) error { return nil }

func (lionClient) Query(_ context.Context, _, prompt, _ string) (string, error) {
	if strings.Contains(prompt, "uma foto de leão") {
		return `{"scores":[{"label":"lion","score":0.82}]}`, nil
	}
	return `{"scores":[{"label":"realistic","score":0.4}]}`, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T) (*Server, *imagelabeler.Labeler) {
	t.Helper()
	l, err := imagelabeler.New(config.Default(), imagelabeler.WithVisionClient(lionClient{}))
	require.NoError(t, err)
	return New(context.Background(), l), l
}

func do(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, target, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, http.NoBody)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, s *Server, files map[string][]byte, order ...string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range order {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestUploadClassifyAndList(t *testing.T) {
	s, l := newTestServer(t)
	img := pngBytes(t)

	rec := upload(t, s, map[string][]byte{"a.png": img, "b.png": img, "notes.txt": []byte("hi")}, "a.png", "notes.txt", "b.png")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	up := decode[UploadResponse](t, rec)
	require.Len(t, up.Added, 2)
	assert.Equal(t, []ingest.Skipped{{Name: "notes.txt", Reason: "not an image"}}, up.Skipped)
	assert.True(t, up.Added[0].Pending)
	assert.Nil(t, up.Added[0].ThemeScore)
	assert.Equal(t, "—", up.Added[0].ThemeConfidence)

	l.Wait()

	rec = do(t, s, http.MethodGet, "/images", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]ImageView](t, rec)
	require.Len(t, views, 2)
	assert.Equal(t, "leao-realismo-1", views[0].Name)
	assert.Equal(t, "leao-realismo-2", views[1].Name)
	assert.Equal(t, "leão", views[0].Theme)
	assert.Equal(t, "lion", views[0].RawTheme)
	require.NotNil(t, views[0].ThemeScore)
	assert.InDelta(t, 0.82, *views[0].ThemeScore, 1e-9)
	assert.Equal(t, "82.0%", views[0].ThemeConfidence)
	assert.False(t, views[0].Pending)

	rec = do(t, s, http.MethodGet, "/status", nil)
	status := decode[imagelabeler.Status](t, rec)
	assert.Equal(t, "ready", string(status.Model))
	assert.Equal(t, 2, status.Classified)
}

func TestUploadRequiresFiles(t *testing.T) {
	s, _ := newTestServer(t)
	rec := upload(t, s, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/images", map[string]string{"x": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThresholdEndpoints(t *testing.T) {
	s, l := newTestServer(t)
	upload(t, s, map[string][]byte{"a.png": pngBytes(t)}, "a.png")
	l.Wait()

	rec := do(t, s, http.MethodGet, "/threshold", nil)
	assert.Equal(t, ThresholdView{Value: 0.3, Percent: 30}, decode[ThresholdView](t, rec))

	rec = do(t, s, http.MethodPut, "/threshold", map[string]float64{"percent": 50})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ThresholdView{Value: 0.5, Percent: 50, Changed: 1}, decode[ThresholdView](t, rec))

	views := decode[[]ImageView](t, do(t, s, http.MethodGet, "/images", nil))
	assert.Equal(t, "leão", views[0].Theme)
	assert.Equal(t, "unknown", views[0].Style)
	assert.Equal(t, "leao-1", views[0].Name)
	assert.True(t, views[0].NeedsReview)

	rec = do(t, s, http.MethodPut, "/threshold", map[string]float64{"value": 0.3, "percent": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	views = decode[[]ImageView](t, do(t, s, http.MethodGet, "/images", nil))
	assert.Equal(t, "leao-realismo-1", views[0].Name)

	for _, body := range []map[string]float64{
		{"value": 0.3, "percent": 40},
		{"percent": 120},
		{"value": -1},
		{},
	} {
		rec = do(t, s, http.MethodPut, "/threshold", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", body)
	}
	assert.Equal(t, 0.3, l.Threshold())
}

func TestUpdateAndDelete(t *testing.T) {
	s, l := newTestServer(t)
	img := pngBytes(t)
	up := decode[UploadResponse](t, upload(t, s, map[string][]byte{"a.png": img, "b.png": img}, "a.png", "b.png"))
	l.Wait()
	a, b := up.Added[0].ID, up.Added[1].ID

	rec := do(t, s, http.MethodPatch, "/images/"+b, map[string]any{"style": "aquarela"})
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[ImageView](t, rec)
	assert.Equal(t, "leao-aquarela-2", v.Name)
	assert.True(t, v.StyleManual)

	rec = do(t, s, http.MethodPatch, "/images/"+b, map[string]any{"auto_name": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "leao-aquarela-2", decode[ImageView](t, rec).NameOverride)

	rec = do(t, s, http.MethodPatch, "/images/"+b, map[string]any{"auto_name": true, "name_override": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/images/"+a, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	v = decode[ImageView](t, do(t, s, http.MethodGet, "/images/"+b, nil))
	assert.Equal(t, 1, v.Ordinal)
	assert.Equal(t, "leao-aquarela-1", v.AutoName)
	assert.Equal(t, "leao-aquarela-2", v.Name, "pinned name does not follow the ordinal")

	rec = do(t, s, http.MethodPatch, "/images/"+b, map[string]any{"name_override": ""})
	assert.Equal(t, "leao-aquarela-1", decode[ImageView](t, rec).Name)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/images/"+a, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/images/"+a, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPatch, "/images/"+a, map[string]any{"theme": "x"}).Code)

	rec = do(t, s, http.MethodDelete, "/images", nil)
	assert.Equal(t, map[string]int{"removed": 1}, decode[map[string]int](t, rec))
}

func TestExports(t *testing.T) {
	s, l := newTestServer(t)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodGet, "/export/manifest.csv", nil).Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodGet, "/export/archive.zip", nil).Code)

	upload(t, s, map[string][]byte{"Foto 1.PNG": pngBytes(t)}, "Foto 1.PNG")
	l.Wait()

	rec := do(t, s, http.MethodGet, "/export/manifest.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "original,new_name,theme,style,confidence\n"+
		`"Foto 1.PNG","leao-realismo-1","leão","realismo","0.8200"`+"\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "manifest.csv")

	rec = do(t, s, http.MethodGet, "/export/archive.zip", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "leao-realismo-1.png", zr.File[0].Name)
}

func TestReclassifyAndMetrics(t *testing.T) {
	s, l := newTestServer(t)
	upload(t, s, map[string][]byte{"a.png": pngBytes(t)}, "a.png")
	l.Wait()

	rec := do(t, s, http.MethodPost, "/reclassify", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	l.Wait()

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `image_labeler_records_total{outcome="applied"} 2`)
	assert.Contains(t, body, `image_labeler_model_loads_total{status="ready"} 1`)
	assert.Contains(t, body, "image_labeler_batch_size 1")
}
