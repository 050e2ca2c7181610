package processing

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/patrickmn/go-cache"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
)

// Defaults for images sent to the model
const (
	DefaultFormat   = "jpg"
	DefaultMaxDim   = 1024
	DefaultQuality  = 90
	DefaultCacheTTL = 30 * time.Minute
)

// Processor handles image processing operations
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Decode decodes an image from byte data with WebP support
func (p *Processor) Decode(data []byte) (image.Image, error) {
	// Try standard image.Decode first
	reader := bytes.NewReader(data)
	if img, _, err := image.Decode(reader); err == nil {
		return img, nil
	}

	// Try WebP decode
	reader = bytes.NewReader(data)
	if img, err := webp.Decode(reader); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if quality < 1 || quality > 100 {
			quality = DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// PrepareOptions controls how a Preparer re-encodes images
type PrepareOptions struct {
	Format   string
	MaxDim   int
	Quality  int
	CacheTTL time.Duration
}

// DefaultPrepareOptions returns the options used when none are configured
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{
		Format:   DefaultFormat,
		MaxDim:   DefaultMaxDim,
		Quality:  DefaultQuality,
		CacheTTL: DefaultCacheTTL,
	}
}

// Preparer turns raw image bytes into the base64 payload a vision model
// receives. Theme and style calls for the same image share one encoding,
// also when they arrive together on a cold cache.
type Preparer struct {
	proc   *Processor
	opts   PrepareOptions
	c      *cache.Cache
	group  singleflight.Group
	decode func([]byte) (image.Image, error)
}

// NewPreparer creates a Preparer. A zero CacheTTL disables caching.
func NewPreparer(opts PrepareOptions) *Preparer {
	p := &Preparer{proc: NewProcessor(), opts: opts}
	p.decode = p.proc.Decode
	if opts.CacheTTL > 0 {
		p.c = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return p
}

// Prepare decodes, downscales and re-encodes data
func (p *Preparer) Prepare(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty image data")
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if p.c != nil {
		if v, ok := p.c.Get(key); ok {
			return v.(string), nil
		}
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if p.c != nil {
			if v, ok := p.c.Get(key); ok {
				return v, nil
			}
		}
		img, err := p.decode(data)
		if err != nil {
			return nil, err
		}
		payload, err := p.proc.PrepareImageForModel(img, p.opts.Format, p.opts.MaxDim, p.opts.Quality)
		if err != nil {
			return nil, fmt.Errorf("failed to encode image: %w", err)
		}
		if p.c != nil {
			p.c.SetDefault(key, payload)
		}
		return payload, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cached reports how many payloads are currently cached
func (p *Preparer) Cached() int {
	if p.c == nil {
		return 0
	}
	return p.c.ItemCount()
}

// Flush drops every cached payload
func (p *Preparer) Flush() {
	if p.c != nil {
		p.c.Flush()
	}
}
