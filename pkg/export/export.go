// Package export writes the rename manifest and the renamed image archive
// for a batch snapshot. Neither writer touches the store.
package export

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/menta2k/image-labeler/internal/utils"
	"github.com/menta2k/image-labeler/pkg/batch"
	"github.com/menta2k/image-labeler/pkg/naming"
)

// ErrEmptyBatch is returned when there is nothing to export
var ErrEmptyBatch = errors.New("batch is empty")

// ManifestHeader is the first line of every manifest
const ManifestHeader = "original,new_name,theme,style,confidence"

// DefaultExtension is used for files whose name carries no usable extension
const DefaultExtension = "jpg"

// Confidence is the larger of the two raw scores, with non-finite scores
// counted as 0.
func Confidence(e batch.Entry) float64 {
	return math.Max(finiteOrZero(e.ThemeScore()), finiteOrZero(e.StyleScore()))
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// FormatConfidence renders a confidence with exactly four decimals
func FormatConfidence(v float64) string {
	return strconv.FormatFloat(finiteOrZero(v), 'f', 4, 64)
}

// Extension returns the lower-cased extension of name or DefaultExtension
func Extension(name string) string {
	if ext := utils.GetFileExtension(name); ext != "" {
		return ext
	}
	return DefaultExtension
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// WriteManifest writes one CSV row per entry, every field quoted. Every
// line, the last one included, ends with "\n".
func WriteManifest(w io.Writer, entries []batch.Entry) error {
	if len(entries) == 0 {
		return ErrEmptyBatch
	}

	var b strings.Builder
	b.WriteString(ManifestHeader)
	b.WriteByte('\n')
	for _, e := range entries {
		fields := []string{
			e.OriginalName,
			e.Name(),
			e.Theme,
			e.Style,
			FormatConfidence(Confidence(e)),
		}
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quote(f))
		}
		b.WriteByte('\n')
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// EntryName returns the archive file name of e: the slug of its display
// name plus the original extension. A name that slugifies to nothing falls
// back to image-{ordinal}.
func EntryName(e batch.Entry) string {
	base := naming.Slugify(e.Name())
	if base == "" {
		base = fmt.Sprintf("image-%d", e.Ordinal)
	}
	return base + "." + Extension(e.OriginalName)
}

// WriteArchive writes a ZIP holding every entry's original bytes under its
// new name. Entries are stored uncompressed. Names that collide get a
// numeric suffix.
func WriteArchive(w io.Writer, entries []batch.Entry) error {
	if len(entries) == 0 {
		return ErrEmptyBatch
	}

	zw := zip.NewWriter(w)
	used := make(map[string]int, len(entries))
	now := time.Now()

	for _, e := range entries {
		name := uniqueName(EntryName(e), used)
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: now,
		}
		f, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
		if _, err := f.Write(e.Source); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func uniqueName(name string, used map[string]int) string {
	n, taken := used[name]
	used[name] = n + 1
	if !taken {
		return name
	}
	dot := strings.LastIndexByte(name, '.')
	for {
		n++
		candidate := fmt.Sprintf("%s-%d%s", name[:dot], n, name[dot:])
		if _, clash := used[candidate]; !clash {
			used[name] = n
			used[candidate] = 1
			return candidate
		}
	}
}
