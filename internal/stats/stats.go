// Package stats derives a statistics-quality signal from article abstracts.
//
// The signal records whether an abstract reports p-values, confidence intervals,
// effect sizes, a sample size and named statistical methods, and folds those into
// a score in [0, 1].
package stats

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// DetectorName tags signals produced by Heuristic.
const DetectorName = "heuristic-v1"

// Extractor derives the signal synchronously when an article is first stored.
type Extractor interface {
	Extract(text string) *domain.StatsSignal
}

// Detector derives the signal as a post-processing step, possibly remotely.
type Detector interface {
	Detect(ctx context.Context, text string) (*domain.StatsSignal, error)
}

var (
	pValuePattern     = regexp.MustCompile(`(?i)\bp\s*(?:[<>=≤≥]|&lt;|&gt;)\s*0?\.\d+`)
	ciPattern         = regexp.MustCompile(`(?i)\b(?:9[059]\s*%\s*(?:CI|confidence interval)|confidence intervals?|CI\s*[:,]?\s*-?\d)`)
	effectPattern     = regexp.MustCompile(`(?i)\b(?:odds ratio|hazard ratio|risk ratio|relative risk|mean difference|effect size|cohen'?s d|(?-i:a?OR|HR|RR|SMD|MD)\s*[=:,]?\s*-?\d)`)
	sampleEqPattern   = regexp.MustCompile(`\b[nN]\s*=\s*(\d[\d,]*)`)
	sampleNounPattern = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s+(?:patients|participants|subjects|individuals|children|adults|women|men|infants|cases)\b`)
)

var methodPatterns = map[string]*regexp.Regexp{
	"anova":               regexp.MustCompile(`(?i)\bANOVA\b|analysis of variance`),
	"chi-square":          regexp.MustCompile(`(?i)\bchi[- ]?squared?\b|χ2`),
	"cox regression":      regexp.MustCompile(`(?i)\bcox\b.*\b(?:regression|model|proportional)`),
	"kaplan-meier":        regexp.MustCompile(`(?i)kaplan[- ]meier`),
	"logistic regression": regexp.MustCompile(`(?i)logistic regression`),
	"linear regression":   regexp.MustCompile(`(?i)linear (?:regression|mixed)`),
	"meta-analysis":       regexp.MustCompile(`(?i)meta[- ]analys[ie]s`),
	"randomized":          regexp.MustCompile(`(?i)randomi[sz]ed`),
	"t-test":              regexp.MustCompile(`(?i)\bt[- ]test\b`),
	"mann-whitney":        regexp.MustCompile(`(?i)mann[- ]whitney|wilcoxon`),
}

// Heuristic scores abstracts with regular expressions. The zero value is ready to use.
type Heuristic struct{}

var (
	_ Extractor = Heuristic{}
	_ Detector  = Heuristic{}
)

// Extract returns the signal for text, or nil when text is blank.
func (Heuristic) Extract(text string) *domain.StatsSignal {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sig := &domain.StatsSignal{
		HasPValues:   pValuePattern.MatchString(text),
		HasCI:        ciPattern.MatchString(text),
		HasEffect:    effectPattern.MatchString(text),
		SampleSize:   sampleSize(text),
		DetectedWith: DetectorName,
	}
	for name, re := range methodPatterns {
		if re.MatchString(text) {
			sig.Methods = append(sig.Methods, name)
		}
	}
	sort.Strings(sig.Methods)

	var score float64
	if sig.HasPValues {
		score += 0.25
	}
	if sig.HasCI {
		score += 0.25
	}
	if sig.HasEffect {
		score += 0.25
	}
	if sig.SampleSize > 0 {
		score += 0.15
	}
	if len(sig.Methods) > 0 {
		score += 0.10
	}
	sig.Score = math.Round(math.Min(score, 1)*100) / 100
	return sig
}

// Detect implements Detector. It never fails except on a cancelled context.
func (h Heuristic) Detect(ctx context.Context, text string) (*domain.StatsSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Extract(text), nil
}

// sampleSize returns the largest sample size mentioned in text.
func sampleSize(text string) int {
	best := 0
	for _, re := range []*regexp.Regexp{sampleEqPattern, sampleNounPattern} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
			if err == nil && n > best {
				best = n
			}
		}
	}
	return best
}
