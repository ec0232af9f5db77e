package serve

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cnnsvm/internal/common"
	"cnnsvm/internal/extractor"
	"cnnsvm/internal/svm"
	"cnnsvm/internal/transforms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	outcomes []string
}

func (m *recordingMetrics) ClassifyObserve(outcome string, _ time.Duration) {
	m.outcomes = append(m.outcomes, outcome)
}

func solid(c color.NRGBA) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// hugePNG declares width x height in its header and carries no pixel data.
func hugePNG(width, height uint32) []byte {
	var ihdr [13]byte
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr[:]...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

// newTestServer trains on red (label 0) and blue (label 1) squares.
func newTestServer(t *testing.T, metrics MetricsInterface) *Server {
	t.Helper()
	transform := transforms.MustBuild(transforms.DefaultTest(18, 16))
	ext := extractor.New(extractor.NewHistogramBackend(16), nil)

	var images []transforms.Tensor
	var labels []int
	for i := 0; i < 4; i++ {
		shade := uint8(25 * i)
		for label, c := range []color.NRGBA{
			{R: 230 - shade, G: 30, B: 20, A: 255},
			{R: 20, G: 30, B: 230 - shade, A: 255},
		} {
			tensor, err := transform.Apply(solid(c), nil)
			require.NoError(t, err)
			images = append(images, tensor)
			labels = append(labels, label)
		}
	}
	vectors, err := ext.Extract(images)
	require.NoError(t, err)
	features := make([][]float32, len(vectors))
	for i, v := range vectors {
		features[i] = v
	}

	model, err := svm.Fit(features, labels, svm.DefaultParams())
	require.NoError(t, err)

	srv, err := New(Config{
		Port:       8080,
		Model:      model,
		Extractor:  ext,
		Transform:  transform,
		ClassNames: []string{"cat", "dog"},
		Metrics:    metrics,
	})
	require.NoError(t, err)
	return srv
}

func multipartRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/classify", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestClassify_Multipart(t *testing.T) {
	metrics := &recordingMetrics{}
	srv := newTestServer(t, metrics)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, multipartRequest(t, "image", pngBytes(t, solid(color.NRGBA{R: 210, G: 30, B: 20, A: 255}))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cat", resp.Class)
	assert.Equal(t, 0, resp.Label)
	assert.Less(t, resp.Margin, 0.0)
	assert.Equal(t, []string{"ok"}, metrics.outcomes)
}

func TestClassify_RawBody(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(pngBytes(t, solid(color.NRGBA{R: 20, G: 30, B: 200, A: 255}))))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dog", resp.Class)
	assert.Equal(t, 1, resp.Label)
	assert.Greater(t, resp.Margin, 0.0)
}

func TestClassify_BadRequests(t *testing.T) {
	metrics := &recordingMetrics{}
	srv := newTestServer(t, metrics)

	testCases := []struct {
		name string
		req  *http.Request
		code string
	}{
		{"wrong field", multipartRequest(t, "file", []byte("x")), "invalid_request"},
		{"not an image", httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader([]byte("hello"))), "invalid_image"},
		{"empty body", httptest.NewRequest(http.MethodPost, "/classify", http.NoBody), "invalid_request"},
		{"oversized dimensions", multipartRequest(t, "image", hugePNG(8000, 8000)), "invalid_image"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
		})
	}
	assert.Equal(t, []string{"error", "error", "error", "error"}, metrics.outcomes)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "cpu", body["device"])
	assert.Equal(t, float64(30), body["feature_dim"])
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/classify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNew_Validation(t *testing.T) {
	transform := transforms.MustBuild(transforms.DefaultTest(18, 16))
	ext := extractor.New(extractor.NewHistogramBackend(16), nil)
	model := &svm.Model{Classes: [2]int{0, 1}, Dim: 30, Gamma: 1}

	_, err := New(Config{Model: model, Extractor: ext, Transform: transform, ClassNames: []string{"a", "b", "c"}})
	var unsupported *common.UnsupportedClassCountError
	assert.True(t, errors.As(err, &unsupported))

	_, err = New(Config{Model: &svm.Model{Dim: 4096}, Extractor: ext, Transform: transform, ClassNames: []string{"a", "b"}})
	var shapeErr *common.FeatureShapeMismatchError
	assert.True(t, errors.As(err, &shapeErr))

	_, err = New(Config{Model: model, Extractor: ext, Transform: transforms.MustBuild(transforms.DefaultTrain(16)), ClassNames: []string{"a", "b"}})
	assert.Error(t, err)

	_, err = New(Config{Model: model, Extractor: ext, Transform: transform, ClassNames: []string{"a", "b"}})
	assert.NoError(t, err)
}
