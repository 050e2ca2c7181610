// Package scheduler drives classification of batch records in the
// background while the batch stays editable.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/menta2k/image-labeler/pkg/batch"
	"github.com/menta2k/image-labeler/pkg/metrics"
	"github.com/menta2k/image-labeler/pkg/types"
)

// DefaultTimeout bounds the classification of one record
const DefaultTimeout = 5 * time.Minute

// Classifier returns the top prediction for an image
type Classifier interface {
	Top(ctx context.Context, image []byte, labels []string) (types.Prediction, error)
}

// Mode selects which records a pass classifies
type Mode int

const (
	// Pending classifies records that were never classified or labelled by hand
	Pending Mode = iota
	// All classifies every record, dropping manual labels
	All
)

func (m Mode) String() string {
	if m == All {
		return "all"
	}
	return "pending"
}

// Summary counts what a pass did
type Summary struct {
	Applied   int
	Failed    int
	Discarded int
	Skipped   int
}

func (s Summary) String() string {
	return fmt.Sprintf("applied=%d failed=%d discarded=%d skipped=%d", s.Applied, s.Failed, s.Discarded, s.Skipped)
}

// Config holds the collaborators of a Scheduler
type Config struct {
	Store      *batch.Store
	Classifier Classifier
	Resolver   batch.Resolver
	// Labels are the candidate labels of each category, in prompt order
	Labels  map[types.Category][]string
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Scheduler runs classification passes one at a time
type Scheduler struct {
	cfg Config

	work sync.Mutex
	wg   sync.WaitGroup
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Classifier == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("scheduler needs a store, a classifier and a resolver")
	}
	for _, c := range types.Categories {
		if len(cfg.Labels[c]) == 0 {
			return nil, fmt.Errorf("no candidate labels for %s", c)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Scheduler{cfg: cfg}, nil
}

// ClassifyPending classifies records that still wait for a first result,
// including records appended while the pass runs.
func (s *Scheduler) ClassifyPending(ctx context.Context) (Summary, error) {
	return s.Run(ctx, Pending)
}

// ReclassifyAll classifies every record present when the pass starts
func (s *Scheduler) ReclassifyAll(ctx context.Context) (Summary, error) {
	return s.Run(ctx, All)
}

// Run performs one pass. Passes never overlap: a second call blocks until
// the running one ends. Individual record failures are logged and counted,
// only cancellation of ctx stops the pass early.
func (s *Scheduler) Run(ctx context.Context, mode Mode) (Summary, error) {
	s.work.Lock()
	defer s.work.Unlock()

	var sum Summary
	attempted := make(map[string]struct{})
	for {
		ids := s.queue(mode, attempted)
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			attempted[id] = struct{}{}
			s.classifyRecord(ctx, id, mode, &sum)
		}
		if mode == All {
			break
		}
	}
	klog.V(2).Infof("Classification pass (%s) done: %s", mode, sum)
	return sum, nil
}

func (s *Scheduler) queue(mode Mode, attempted map[string]struct{}) []string {
	var ids []string
	if mode == All {
		ids = s.cfg.Store.IDs()
	} else {
		ids = s.cfg.Store.PendingIDs()
	}
	out := ids[:0]
	for _, id := range ids {
		if _, done := attempted[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) classifyRecord(ctx context.Context, id string, mode Mode, sum *Summary) {
	entry, ok := s.cfg.Store.Get(id)
	if !ok || (mode == Pending && !entry.Pending()) {
		sum.Skipped++
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var theme, style types.Prediction
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error {
		p, err := s.classify(gctx, types.CategoryTheme, entry.Source)
		theme = p
		return err
	})
	g.Go(func() error {
		p, err := s.classify(gctx, types.CategoryStyle, entry.Source)
		style = p
		return err
	})
	if err := g.Wait(); err != nil {
		klog.Errorf("Failed to classify %s (%s): %v", entry.OriginalName, id, err)
		sum.Failed++
		s.cfg.Metrics.RecordOutcome(metrics.OutcomeFailed)
		return
	}

	if !s.cfg.Store.ApplyClassification(id, theme, style, s.cfg.Resolver) {
		klog.V(2).Infof("Discarding result for removed record %s", id)
		sum.Discarded++
		s.cfg.Metrics.RecordOutcome(metrics.OutcomeDiscarded)
		return
	}
	sum.Applied++
	s.cfg.Metrics.RecordOutcome(metrics.OutcomeApplied)

	if applied, ok := s.cfg.Store.Get(id); ok {
		s.reportUncovered(applied)
	}
}

func (s *Scheduler) classify(ctx context.Context, c types.Category, image []byte) (types.Prediction, error) {
	start := time.Now()
	p, err := s.cfg.Classifier.Top(ctx, image, s.cfg.Labels[c])
	s.cfg.Metrics.ObserveClassification(string(c), time.Since(start), err)
	if err != nil {
		return types.Prediction{}, fmt.Errorf("%s: %w", c, err)
	}
	return p, nil
}

func (s *Scheduler) reportUncovered(e batch.Entry) {
	if e.ThemeUncovered {
		klog.Warningf("Theme %q of %s is not in the taxonomy", e.RawTheme.Label, e.OriginalName)
		s.cfg.Metrics.RecordUncovered(string(types.CategoryTheme))
	}
	if e.StyleUncovered {
		klog.Warningf("Style %q of %s is not in the taxonomy", e.RawStyle.Label, e.OriginalName)
		s.cfg.Metrics.RecordUncovered(string(types.CategoryStyle))
	}
}

// Start runs a pass in the background. done, when not nil, receives the
// result.
func (s *Scheduler) Start(ctx context.Context, mode Mode, done func(Summary, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sum, err := s.Run(ctx, mode)
		if err != nil {
			klog.Warningf("Classification pass (%s) stopped: %v", mode, err)
		}
		if done != nil {
			done(sum, err)
		}
	}()
}

// Wait blocks until every pass started with Start has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
