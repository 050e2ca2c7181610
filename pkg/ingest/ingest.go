// Package ingest turns uploaded files into batch records, filtering out
// anything that is not a decodable image.
package ingest

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"k8s.io/klog/v2"

	"github.com/menta2k/image-labeler/internal/utils"
	"github.com/menta2k/image-labeler/pkg/batch"
	"github.com/menta2k/image-labeler/pkg/processing"
)

// DefaultMaxDistance is the largest dHash Hamming distance at which two
// images count as the same picture.
const DefaultMaxDistance = 10

// Input is one file handed to the labeler
type Input struct {
	Name string
	Data []byte
}

// Skipped reports an input that did not become a record
type Skipped struct {
	Name   string
	Reason string
}

// Config holds ingestion options
type Config struct {
	SupportedFormats []string
	SkipDuplicates   bool
	MaxDistance      int
}

// DefaultConfig accepts every format the decoders understand and keeps
// duplicates.
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"jpeg", "png", "gif", "webp", "bmp", "tiff"},
		MaxDistance:      DefaultMaxDistance,
	}
}

type seenHash struct {
	id   string
	name string
	hash *goimagehash.ImageHash
}

// Ingester builds records from inputs. It remembers perceptual hashes of
// accepted images across calls so duplicates can be skipped. It is safe for
// concurrent use.
type Ingester struct {
	config Config
	proc   *processing.Processor

	mu     sync.Mutex
	hashes []seenHash
}

// New creates a new Ingester with default configuration
func New() *Ingester {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new Ingester with custom configuration
func NewWithConfig(config Config) *Ingester {
	if config.MaxDistance <= 0 {
		config.MaxDistance = DefaultMaxDistance
	}
	return &Ingester{config: config, proc: processing.NewProcessor()}
}

// Sniff reports the decoder format of data, or an error when no registered
// decoder recognises it.
func Sniff(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("not an image: %w", err)
	}
	return format, nil
}

// IsImage reports whether data decodes as an image header
func IsImage(data []byte) bool {
	_, err := Sniff(data)
	return err == nil
}

func (in *Ingester) isFormatSupported(format string) bool {
	if len(in.config.SupportedFormats) == 0 {
		return true
	}
	for _, supported := range in.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// Build returns a record for every input that is a supported image, in
// input order, and the inputs it left out with the reason.
func (in *Ingester) Build(inputs []Input) ([]batch.Record, []Skipped) {
	var recs []batch.Record
	var skipped []Skipped

	for _, input := range inputs {
		format, err := Sniff(input.Data)
		if err != nil {
			klog.V(2).Infof("Skipping %s: %v", input.Name, err)
			skipped = append(skipped, Skipped{Name: input.Name, Reason: "not an image"})
			continue
		}
		if !in.isFormatSupported(format) {
			skipped = append(skipped, Skipped{Name: input.Name, Reason: "unsupported format " + format})
			continue
		}

		id := uuid.NewString()
		if in.config.SkipDuplicates {
			if dup := in.checkDuplicate(id, input); dup != "" {
				klog.Infof("Skipping %s: duplicate of %s", input.Name, dup)
				skipped = append(skipped, Skipped{Name: input.Name, Reason: "duplicate of " + dup})
				continue
			}
		}

		recs = append(recs, batch.Record{
			ID:           id,
			OriginalName: input.Name,
			Source:       input.Data,
		})
	}
	return recs, skipped
}

// checkDuplicate returns the name of an earlier image that looks the same
// as input, or "" after remembering input's hash. Images that cannot be
// hashed are accepted.
func (in *Ingester) checkDuplicate(id string, input Input) string {
	img, err := in.proc.Decode(input.Data)
	if err != nil {
		return ""
	}
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return ""
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	for _, h := range in.hashes {
		dist, err := hash.Distance(h.hash)
		if err == nil && dist <= in.config.MaxDistance {
			return h.name
		}
	}
	in.hashes = append(in.hashes, seenHash{id: id, name: input.Name, hash: hash})
	return ""
}

// Forget drops the remembered hash of a removed record
func (in *Ingester) Forget(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, h := range in.hashes {
		if h.id == id {
			in.hashes = append(in.hashes[:i], in.hashes[i+1:]...)
			return
		}
	}
}

// Reset forgets every remembered hash
func (in *Ingester) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.hashes = nil
}

// LoadFiles reads the given files and every image file below the given
// directories.
func LoadFiles(paths []string) ([]Input, error) {
	var inputs []Input
	for _, p := range paths {
		files := []string{p}
		if utils.DirExists(p) {
			found, err := utils.ListImageFiles(p)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", p, err)
			}
			files = found
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read image file: %w", err)
			}
			inputs = append(inputs, Input{Name: filepath.Base(f), Data: data})
		}
	}
	return inputs, nil
}
