// Package zeroshot turns a general vision model into a zero-shot image
// classifier: the model scores a fixed list of candidate labels and the
// reply is parsed into a ranked list of predictions.
package zeroshot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/menta2k/image-labeler/internal/utils"
	"github.com/menta2k/image-labeler/pkg/client"
	"github.com/menta2k/image-labeler/pkg/types"
)

// DefaultTemplate wraps every candidate label into a prompt; {} is replaced
// by the label.
const DefaultTemplate = "uma foto de {}"

// Instructions precede the candidate list in every prompt
const Instructions = `You are a zero-shot image classifier.

Score how well each of the following descriptions matches the image.

Return JSON only:
{"scores": [{"label": "<description copied exactly>", "score": 0.0}]}

RULES
- One entry per description, copied character for character.
- Scores are probabilities in [0,1] and should sum to 1.
- JSON only. No markdown, no code fences, no comments, no trailing commas.

Descriptions:`

// Classifier scores candidate labels for an image through a VisionClient
type Classifier struct {
	client client.VisionClient
	model  string
}

// New creates a classifier using model on c
func New(c client.VisionClient, model string) *Classifier {
	return &Classifier{client: c, model: model}
}

// Classify returns predictions for labels, highest score first. The list is
// empty when the model reply holds nothing usable.
func (c *Classifier) Classify(ctx context.Context, imgB64 string, labels []string, template string) ([]types.Prediction, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	prompt := BuildPrompt(labels, template)
	raw, err := c.client.Query(ctx, c.model, prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("zero-shot query failed: %w", err)
	}
	return ParseScores(raw, labels, template), nil
}

// Describe applies template to label
func Describe(label, template string) string {
	if template == "" || !strings.Contains(template, "{}") {
		return label
	}
	return strings.ReplaceAll(template, "{}", label)
}

// BuildPrompt lists the description of every distinct label under the
// instructions.
func BuildPrompt(labels []string, template string) string {
	var b strings.Builder
	b.WriteString(Instructions)
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		d := Describe(l, template)
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		b.WriteString("\n- ")
		b.WriteString(d)
	}
	return b.String()
}

// ParseScores extracts label scores from a model reply. Entries may name
// either the description or the bare label. Unknown labels and unusable
// scores are dropped, scores are clamped to [0,1] and rescaled when they sum
// to more than 1. The result is sorted by descending score, ties keeping the
// candidate order.
func ParseScores(raw string, labels []string, template string) []types.Prediction {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil
	}

	var resp types.ScoreResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil
	}

	// folded description or label -> index of first candidate
	lookup := make(map[string]int, 2*len(labels))
	for i, l := range labels {
		for _, k := range []string{utils.FoldText(Describe(l, template)), utils.FoldText(l)} {
			if _, taken := lookup[k]; !taken {
				lookup[k] = i
			}
		}
	}

	best := make(map[int]float64)
	for _, s := range resp.Scores {
		i, ok := lookup[utils.FoldText(s.Label)]
		if !ok || !s.Finite() || s.Score < 0 {
			continue
		}
		v := math.Min(s.Score, 1)
		if prev, seen := best[i]; !seen || v > prev {
			best[i] = v
		}
	}
	if len(best) == 0 {
		return nil
	}

	sum := 0.0
	for _, v := range best {
		sum += v
	}

	idx := make([]int, 0, len(best))
	for i := range best {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]types.Prediction, 0, len(idx))
	for _, i := range idx {
		v := best[i]
		if sum > 1 {
			v /= sum
		}
		out = append(out, types.Prediction{Label: labels[i], Score: v})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
