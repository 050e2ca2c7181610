package processing

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodePayload(t *testing.T, payload string) image.Image {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

func TestPrepareImageForModelDownscales(t *testing.T) {
	p := NewProcessor()
	img, err := p.Decode(encodePNG(t, 200, 100))
	require.NoError(t, err)

	payload, err := p.PrepareImageForModel(img, "jpg", 50, 80)
	require.NoError(t, err)

	out := decodePayload(t, payload)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy())
}

func TestPrepareImageForModelKeepsSmallImages(t *testing.T) {
	p := NewProcessor()
	img, err := p.Decode(encodePNG(t, 40, 60))
	require.NoError(t, err)

	payload, err := p.PrepareImageForModel(img, "png", 100, 0)
	require.NoError(t, err)

	out := decodePayload(t, payload)
	assert.Equal(t, image.Rect(0, 0, 40, 60), out.Bounds())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := NewProcessor().Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestPreparerCachesByContent(t *testing.T) {
	p := NewPreparer(PrepareOptions{Format: "jpg", MaxDim: 32, Quality: 70, CacheTTL: time.Minute})
	data := encodePNG(t, 64, 64)

	first, err := p.Prepare(data)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Cached())

	second, err := p.Prepare(append([]byte(nil), data...))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.Cached())

	raw, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)

	p.Flush()
	assert.Equal(t, 0, p.Cached())
}

func TestPreparerWithoutCache(t *testing.T) {
	p := NewPreparer(PrepareOptions{Format: "png"})
	_, err := p.Prepare(encodePNG(t, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cached())
}

func TestPreparerErrors(t *testing.T) {
	p := NewPreparer(DefaultPrepareOptions())

	_, err := p.Prepare(nil)
	assert.Error(t, err)

	_, err = p.Prepare([]byte("garbage"))
	assert.Error(t, err)
	assert.Equal(t, 0, p.Cached())
}

func TestPreparerSharesConcurrentColdEncodes(t *testing.T) {
	p := NewPreparer(PrepareOptions{Format: "jpg", MaxDim: 32, Quality: 70, CacheTTL: time.Minute})
	var decodes atomic.Int32
	release := make(chan struct{})
	p.decode = func(data []byte) (image.Image, error) {
		decodes.Add(1)
		<-release
		return p.proc.Decode(data)
	}
	data := encodePNG(t, 64, 64)

	var wg sync.WaitGroup
	payloads := make([]string, 2)
	errs := make([]error, 2)
	prepare := func(i int) {
		defer wg.Done()
		payloads[i], errs[i] = p.Prepare(data)
	}

	wg.Add(2)
	go prepare(0)
	require.Eventually(t, func() bool { return decodes.Load() == 1 }, time.Second, time.Millisecond)
	go prepare(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, payloads[0], payloads[1])
	assert.Equal(t, int32(1), decodes.Load())
	assert.Equal(t, 1, p.Cached())
}
