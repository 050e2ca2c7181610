// Package imagelabeler labels batches of images with a theme and a style
// using a zero-shot vision model, and suggests a name for every image.
//
// Basic usage:
//
//	cfg := config.Default()
//	l, err := imagelabeler.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	inputs, err := ingest.LoadFiles([]string{"./photos"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	l.Ingest(inputs)
//
//	if _, err := l.ClassifyPending(ctx); err != nil {
//		log.Fatal(err)
//	}
//	for _, e := range l.Snapshot() {
//		fmt.Println(e.OriginalName, "->", e.Name())
//	}
//
// The package wires together:
//
//  1. Taxonomies (pkg/taxonomy): candidate labels and their canonical keys
//  2. Classifier (pkg/classifier): the lazily loaded zero-shot model
//  3. Threshold gate (pkg/threshold): turns raw predictions into effective labels
//  4. Batch store (pkg/batch) and scheduler (pkg/scheduler)
//  5. Export (pkg/export): CSV manifest and renamed ZIP archive
//
// Raw predictions are kept apart from effective labels, so changing the
// threshold relabels the whole batch without asking the model again.
package imagelabeler

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/menta2k/image-labeler/internal/config"
	"github.com/menta2k/image-labeler/pkg/batch"
	"github.com/menta2k/image-labeler/pkg/classifier"
	"github.com/menta2k/image-labeler/pkg/client"
	"github.com/menta2k/image-labeler/pkg/export"
	"github.com/menta2k/image-labeler/pkg/gemini"
	"github.com/menta2k/image-labeler/pkg/ingest"
	"github.com/menta2k/image-labeler/pkg/llamacpp"
	"github.com/menta2k/image-labeler/pkg/metrics"
	"github.com/menta2k/image-labeler/pkg/ollama"
	"github.com/menta2k/image-labeler/pkg/processing"
	"github.com/menta2k/image-labeler/pkg/scheduler"
	"github.com/menta2k/image-labeler/pkg/taxonomy"
	"github.com/menta2k/image-labeler/pkg/threshold"
	"github.com/menta2k/image-labeler/pkg/types"
	"github.com/menta2k/image-labeler/pkg/zeroshot"
)

// Version of the image labeler library
const Version = "1.0.0"

// Labeler owns one batch and everything needed to label and export it
type Labeler struct {
	cfg       *config.Config
	themes    *taxonomy.Taxonomy
	styles    *taxonomy.Taxonomy
	store     *batch.Store
	gate      *threshold.Gate
	adapter   *classifier.Adapter
	scheduler *scheduler.Scheduler
	ingester  *ingest.Ingester
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
}

type options struct {
	loader   classifier.Loader
	client   client.VisionClient
	registry *prometheus.Registry
}

// Option customizes New
type Option func(*options)

// WithLoader replaces the model loader built from the configuration
func WithLoader(l classifier.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithVisionClient scores images through c instead of the configured backend
func WithVisionClient(c client.VisionClient) Option {
	return func(o *options) { o.client = c }
}

// WithRegistry registers metrics with reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// NewVisionClient creates the backend client selected by cfg
func NewVisionClient(ctx context.Context, cfg config.ClassifierConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return ollama.NewClient(cfg.URL)
	case config.BackendLlamaCpp:
		return llamacpp.NewClient(cfg.URL)
	case config.BackendGemini:
		return gemini.NewClient(ctx, cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
	}
}

// ClientLoader returns a loader that checks the model is available on c
// before handing out a zero-shot classifier for it.
func ClientLoader(c client.VisionClient, model string) classifier.Loader {
	return func(ctx context.Context) (classifier.Model, error) {
		if err := c.Ping(ctx, model); err != nil {
			return nil, err
		}
		return zeroshot.New(c, model), nil
	}
}

func configLoader(cfg config.ClassifierConfig) classifier.Loader {
	return func(ctx context.Context) (classifier.Model, error) {
		c, err := NewVisionClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		klog.Infof("Loading %s model %q", cfg.Backend, cfg.Model)
		return ClientLoader(c, cfg.Model)(ctx)
	}
}

// New creates a Labeler from a validated configuration
func New(cfg *config.Config, opts ...Option) (*Labeler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case o.loader != nil:
	case o.client != nil:
		o.loader = ClientLoader(o.client, cfg.Classifier.Model)
	default:
		o.loader = configLoader(cfg.Classifier)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	m, err := metrics.NewMetrics(o.registry)
	if err != nil {
		return nil, err
	}

	themes, styles := cfg.Themes(), cfg.Styles()
	for _, tax := range []*taxonomy.Taxonomy{themes, styles} {
		for _, a := range tax.Ambiguities() {
			klog.Warningf("%s candidate %q is claimed by %v, using %s", tax.Name(), a.Candidate, a.Keys, a.Keys[0])
		}
	}

	gate, err := threshold.NewGate(cfg.Threshold, themes, styles, cfg.StrictTaxonomy)
	if err != nil {
		return nil, err
	}

	prep := processing.NewPreparer(processing.PrepareOptions{
		Format:   cfg.Prepare.Format,
		MaxDim:   cfg.Prepare.MaxDim,
		Quality:  cfg.Prepare.Quality,
		CacheTTL: cfg.Prepare.CacheTTL,
	})
	adapter := classifier.New(o.loader, prep, cfg.PromptTemplate, classifier.WithMetrics(m))

	store := batch.NewStore()
	sched, err := scheduler.New(scheduler.Config{
		Store:      store,
		Classifier: adapter,
		Resolver:   gate,
		Labels: map[types.Category][]string{
			types.CategoryTheme: themes.Flatten(),
			types.CategoryStyle: styles.Flatten(),
		},
		Timeout: cfg.Classifier.Timeout,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	return &Labeler{
		cfg:       cfg,
		themes:    themes,
		styles:    styles,
		store:     store,
		gate:      gate,
		adapter:   adapter,
		scheduler: sched,
		ingester: ingest.NewWithConfig(ingest.Config{
			SupportedFormats: ingest.DefaultConfig().SupportedFormats,
			SkipDuplicates:   cfg.Ingest.SkipDuplicates,
			MaxDistance:      cfg.Ingest.MaxDistance,
		}),
		metrics:  m,
		registry: o.registry,
	}, nil
}

// IngestResult lists what Ingest added and what it left out
type IngestResult struct {
	Added   []string
	Skipped []ingest.Skipped
}

// Ingest appends every image among inputs to the batch. Non-images are
// skipped, never an error.
func (l *Labeler) Ingest(inputs []ingest.Input) (IngestResult, error) {
	recs, skipped := l.ingester.Build(inputs)
	if err := l.store.Append(recs...); err != nil {
		for _, r := range recs {
			l.ingester.Forget(r.ID)
		}
		return IngestResult{}, fmt.Errorf("failed to add images: %w", err)
	}
	l.metrics.SetBatchSize(l.store.Len())

	res := IngestResult{Skipped: skipped}
	for _, r := range recs {
		res.Added = append(res.Added, r.ID)
	}
	if len(skipped) > 0 {
		klog.Infof("Added %d images, skipped %d", len(recs), len(skipped))
	}
	return res, nil
}

// ClassifyPending labels every record that has not been classified yet
func (l *Labeler) ClassifyPending(ctx context.Context) (scheduler.Summary, error) {
	return l.scheduler.ClassifyPending(ctx)
}

// ReclassifyAll labels every record again, dropping manual labels
func (l *Labeler) ReclassifyAll(ctx context.Context) (scheduler.Summary, error) {
	return l.scheduler.ReclassifyAll(ctx)
}

// StartClassifyPending runs ClassifyPending in the background
func (l *Labeler) StartClassifyPending(ctx context.Context) {
	l.scheduler.Start(ctx, scheduler.Pending, nil)
}

// StartReclassifyAll runs ReclassifyAll in the background
func (l *Labeler) StartReclassifyAll(ctx context.Context) {
	l.scheduler.Start(ctx, scheduler.All, nil)
}

// Wait blocks until background passes have finished
func (l *Labeler) Wait() {
	l.scheduler.Wait()
}

// Threshold returns the current confidence threshold
func (l *Labeler) Threshold() float64 {
	return l.gate.Threshold()
}

// SetThreshold changes the threshold and relabels every classified record
// from its stored raw predictions. It returns how many records changed.
func (l *Labeler) SetThreshold(v float64) (int, error) {
	if err := l.gate.SetThreshold(v); err != nil {
		return 0, err
	}
	changed := l.store.Reevaluate(l.gate)
	klog.V(2).Infof("Threshold set to %.2f, %d records relabelled", v, changed)
	return changed, nil
}

// Get returns one record with its current ordinal
func (l *Labeler) Get(id string) (batch.Entry, error) {
	e, ok := l.store.Get(id)
	if !ok {
		return batch.Entry{}, fmt.Errorf("get %s: %w", id, batch.ErrNotFound)
	}
	return e, nil
}

// Snapshot returns every record in order
func (l *Labeler) Snapshot() []batch.Entry {
	return l.store.Snapshot()
}

// Remove drops a record. Later records move up one position.
func (l *Labeler) Remove(id string) error {
	if err := l.store.Remove(id); err != nil {
		return err
	}
	l.ingester.Forget(id)
	l.metrics.SetBatchSize(l.store.Len())
	return nil
}

// Clear empties the batch and returns how many records were dropped
func (l *Labeler) Clear() int {
	n := l.store.Clear()
	l.ingester.Reset()
	l.metrics.SetBatchSize(0)
	return n
}

// SetLabel overrides the effective label of one category
func (l *Labeler) SetLabel(id string, c types.Category, label string) error {
	return l.store.SetLabel(id, c, label)
}

// SetNameOverride sets a custom name; "" returns to the auto name
func (l *Labeler) SetNameOverride(id, name string) error {
	return l.store.SetNameOverride(id, name)
}

// PinAutoName freezes the current auto name as the record's name
func (l *Labeler) PinAutoName(id string) (string, error) {
	return l.store.PinAutoName(id)
}

// WriteManifest writes the CSV manifest of the current batch
func (l *Labeler) WriteManifest(w io.Writer) error {
	return export.WriteManifest(w, l.store.Snapshot())
}

// WriteArchive writes the renamed images of the current batch as a ZIP
func (l *Labeler) WriteArchive(w io.Writer) error {
	return export.WriteArchive(w, l.store.Snapshot())
}

// Status summarizes the model and the batch
type Status struct {
	Model       classifier.Status `json:"model"`
	ModelError  string            `json:"model_error,omitempty"`
	Threshold   float64           `json:"threshold"`
	Total       int               `json:"total"`
	Pending     int               `json:"pending"`
	Classified  int               `json:"classified"`
	NeedsReview int               `json:"needs_review"`
}

// Status reports the model state and batch counts
func (l *Labeler) Status() Status {
	model, err := l.adapter.Status()
	s := Status{Model: model, Threshold: l.gate.Threshold()}
	if err != nil {
		s.ModelError = err.Error()
	}
	for _, e := range l.store.Snapshot() {
		s.Total++
		switch {
		case e.Pending():
			s.Pending++
		case e.Classified():
			s.Classified++
		}
		if e.NeedsReview() {
			s.NeedsReview++
		}
	}
	return s
}

// Themes returns the theme taxonomy in use
func (l *Labeler) Themes() *taxonomy.Taxonomy {
	return l.themes
}

// Styles returns the style taxonomy in use
func (l *Labeler) Styles() *taxonomy.Taxonomy {
	return l.styles
}

// Registry returns the Prometheus registry holding the labeler metrics
func (l *Labeler) Registry() *prometheus.Registry {
	return l.registry
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
