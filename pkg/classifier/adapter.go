// Package classifier exposes a lazily loaded zero-shot model behind a call
// that always yields at least one prediction.
package classifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/menta2k/image-labeler/pkg/metrics"
	"github.com/menta2k/image-labeler/pkg/types"
)

// Model scores candidate labels for a prepared image payload
type Model interface {
	Classify(ctx context.Context, imgB64 string, labels []string, template string) ([]types.Prediction, error)
}

// Loader produces the model. It runs on the first classification and again
// after a failed load.
type Loader func(ctx context.Context) (Model, error)

// Preparer turns raw image bytes into a model payload
type Preparer interface {
	Prepare(data []byte) (string, error)
}

// Status describes the model lifecycle
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Adapter loads the model on demand and classifies images with it
type Adapter struct {
	load     Loader
	prep     Preparer
	template string
	metrics  *metrics.Metrics

	group singleflight.Group

	mu      sync.RWMutex
	model   Model
	status  Status
	lastErr error
}

// Option configures an Adapter
type Option func(*Adapter)

// WithMetrics records model loads in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// New creates an adapter. template is the prompt template passed to every
// call; prep converts images before they reach the model.
func New(load Loader, prep Preparer, template string, opts ...Option) *Adapter {
	a := &Adapter{
		load:     load,
		prep:     prep,
		template: template,
		status:   StatusWaiting,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Status returns the model status and the error of the last failed load
func (a *Adapter) Status() (Status, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status, a.lastErr
}

// Load returns the model, loading it when needed. Concurrent callers share a
// single in-flight load. A caller whose ctx ends stops waiting but does not
// cancel the load for the others.
func (a *Adapter) Load(ctx context.Context) (Model, error) {
	a.mu.RLock()
	m := a.model
	a.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	ch := a.group.DoChan("model", func() (interface{}, error) {
		a.mu.Lock()
		if a.model != nil {
			m := a.model
			a.mu.Unlock()
			return m, nil
		}
		a.status = StatusLoading
		a.mu.Unlock()

		start := time.Now()
		m, err := a.load(context.WithoutCancel(ctx))
		if err == nil && m == nil {
			err = fmt.Errorf("loader returned no model")
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if err != nil {
			a.status, a.lastErr = StatusFailed, err
			a.metrics.RecordModelLoad(string(StatusFailed))
			klog.Errorf("Model load failed after %v: %v", time.Since(start), err)
			return nil, err
		}
		a.model, a.status, a.lastErr = m, StatusReady, nil
		a.metrics.RecordModelLoad(string(StatusReady))
		klog.Infof("Model ready in %v", time.Since(start))
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("failed to load model: %w", res.Err)
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Classify scores labels for the image, highest first. The result is never
// empty: when the model returns nothing usable the single prediction
// {"unknown", 0} is returned. Errors from loading, preparing the image or
// the model call are returned as is.
func (a *Adapter) Classify(ctx context.Context, image []byte, labels []string) ([]types.Prediction, error) {
	m, err := a.Load(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := a.prep.Prepare(image)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	preds, err := m.Classify(ctx, payload, labels, a.template)
	if err != nil {
		return nil, err
	}

	usable := preds[:0:0]
	for _, p := range preds {
		if p.Label != "" && p.Finite() {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		klog.V(2).Infof("Classifier returned no usable prediction for %d labels", len(labels))
		return []types.Prediction{types.UnknownPrediction()}, nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Score > usable[j].Score
	})
	return usable, nil
}

// Top returns the highest ranked prediction of Classify
func (a *Adapter) Top(ctx context.Context, image []byte, labels []string) (types.Prediction, error) {
	preds, err := a.Classify(ctx, image, labels)
	if err != nil {
		return types.Prediction{}, err
	}
	return preds[0], nil
}
