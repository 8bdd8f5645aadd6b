// ABOUTME: Pattern Learning Engine mining outcome-labelled replies into candidate patterns
// ABOUTME: Candidates are persisted as draft or pending_approval; approval is always human

package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/batchline/internal/apperr"
	"github.com/2389/batchline/internal/auth"
	"github.com/2389/batchline/internal/patterns"
	"github.com/2389/batchline/internal/store"
)

const resourcePattern = "success_pattern"

// Store is the persistence the engine needs.
type Store interface {
	LoadCorpus(ctx context.Context, tenantID string, since time.Time) ([]store.CorpusEntry, error)
	ListOutcomeTenants(ctx context.Context, since time.Time) ([]string, error)
	GetPatternByMarker(ctx context.Context, tenantID, patternType, primaryMarker string) (*store.Pattern, error)
	CreatePattern(ctx context.Context, p *store.Pattern) error
	UpdatePatternEvidence(ctx context.Context, p *store.Pattern) error
}

// Options tune candidate selection.
type Options struct {
	Lookback        time.Duration // how far back outcomes are read
	MinSamples      int           // conversations required before mining
	MinOccurrence   int           // conversations a marker must appear in
	ApprovalSamples int           // sample size at which a candidate is ready for review
	MaxCandidates   int           // cap per run
	MinLift         float64       // minimum |P(success|marker) - P(success)|
	Concurrency     int           // tenants mined in parallel by RunAll
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = 30 * 24 * time.Hour
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 20
	}
	if o.MinOccurrence <= 0 {
		o.MinOccurrence = 3
	}
	if o.ApprovalSamples <= 0 {
		o.ApprovalSamples = 30
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 20
	}
	if o.MinLift <= 0 {
		o.MinLift = 0.15
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Candidate is a mined marker before persistence.
type Candidate struct {
	Kind        patterns.Kind
	Phrase      string
	SuccessRate float64
	SampleSize  int
	Confidence  float64
	Lift        float64
	AvgPosition float64
	support     map[int]bool // corpus indexes containing the marker
}

func (c *Candidate) score() float64 { return math.Abs(c.Lift) * c.Confidence }

// Report summarizes a learning run for one tenant.
type Report struct {
	TenantID   string
	CorpusSize int
	Successful int
	Candidates int
	Created    int
	Updated    int
	Unchanged  int // candidates matching an already reviewed pattern
}

// Engine mines success patterns per tenant.
type Engine struct {
	store  Store
	guard  *auth.Guard
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a learning engine.
func NewEngine(s Store, guard *auth.Guard, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		guard:  guard,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "learning"),
		now:    time.Now,
	}
}

// Run mines one tenant's corpus. It returns *apperr.InsufficientDataError
// when the corpus is below MinSamples.
func (e *Engine) Run(ctx context.Context, tenantID string) (*Report, error) {
	if err := e.guard.Check(ctx, resourcePattern, tenantID); err != nil {
		return nil, err
	}

	corpus, err := e.store.LoadCorpus(ctx, tenantID, e.now().Add(-e.opts.Lookback))
	if err != nil {
		return nil, fmt.Errorf("loading corpus: %w", err)
	}
	corpus = withReplies(corpus)

	if len(corpus) < e.opts.MinSamples {
		return nil, &apperr.InsufficientDataError{
			TenantID: tenantID,
			Samples:  len(corpus),
			Required: e.opts.MinSamples,
		}
	}

	report := &Report{TenantID: tenantID, CorpusSize: len(corpus)}
	candidates := e.Mine(corpus)
	for _, entry := range corpus {
		if entry.Outcome.Successful() {
			report.Successful++
		}
	}
	report.Candidates = len(candidates)

	for _, c := range candidates {
		created, updated, err := e.persist(ctx, tenantID, c)
		if err != nil {
			return report, fmt.Errorf("persisting candidate %q: %w", c.Phrase, err)
		}
		switch {
		case created:
			report.Created++
		case updated:
			report.Updated++
		default:
			report.Unchanged++
		}
	}

	e.logger.Info("learning run complete",
		"tenant_id", tenantID,
		"corpus", report.CorpusSize,
		"successful", report.Successful,
		"candidates", report.Candidates,
		"created", report.Created,
		"updated", report.Updated)
	return report, nil
}

// Mine extracts, scores and deduplicates candidates from a corpus.
func (e *Engine) Mine(corpus []store.CorpusEntry) []*Candidate {
	n := len(corpus)
	if n == 0 {
		return nil
	}

	successful := 0
	support := make(map[string]map[int]bool)
	occurrences := make(map[string][]occurrence)
	for i, entry := range corpus {
		if entry.Outcome.Successful() {
			successful++
		}
		for phrase, occs := range extractMarkers(entry.Replies) {
			if support[phrase] == nil {
				support[phrase] = make(map[int]bool)
			}
			support[phrase][i] = true
			occurrences[phrase] = append(occurrences[phrase], occs...)
		}
	}
	if successful == 0 || successful == n {
		// nothing to contrast
		return nil
	}
	baseRate := float64(successful) / float64(n)

	var candidates []*Candidate
	for phrase, convs := range support {
		with := len(convs)
		if with < e.opts.MinOccurrence || with == n {
			continue
		}

		succWith := 0
		for i := range convs {
			if corpus[i].Outcome.Successful() {
				succWith++
			}
		}
		rateWith := float64(succWith) / float64(with)
		lift := rateWith - baseRate
		if math.Abs(lift) < e.opts.MinLift {
			continue
		}

		c := &Candidate{
			Phrase:      phrase,
			SampleSize:  with,
			Confidence:  confidence(with),
			Lift:        lift,
			AvgPosition: meanPosition(occurrences[phrase]),
			support:     convs,
		}
		if lift > 0 {
			kind, ok := placement(occurrences[phrase])
			if !ok {
				continue // mid-reply wording cannot be added as a sentence
			}
			c.Kind = kind
			c.SuccessRate = rateWith
		} else {
			// success rate when the phrase is left out
			c.Kind = patterns.KindAvoidPhrase
			c.SuccessRate = float64(successful-succWith) / float64(n-with)
		}
		candidates = append(candidates, c)
	}

	candidates = dedupe(candidates)

	sort.Slice(candidates, func(i, j int) bool {
		if si, sj := candidates[i].score(), candidates[j].score(); si != sj {
			return si > sj
		}
		return candidates[i].Phrase < candidates[j].Phrase
	})
	if len(candidates) > e.opts.MaxCandidates {
		candidates = candidates[:e.opts.MaxCandidates]
	}
	return candidates
}

// dedupe collapses candidates of the same kind that overlap in wording and
// appear in nearly the same conversations, such as the n-grams of one longer
// phrase. Longer and stronger phrases are considered first; a candidate is
// dropped when it overlaps any earlier one, kept or not, so clusters collapse
// onto their first member.
func dedupe(candidates []*Candidate) []*Candidate {
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := len(strings.Fields(candidates[i].Phrase)), len(strings.Fields(candidates[j].Phrase))
		if li != lj {
			return li > lj
		}
		if si, sj := candidates[i].score(), candidates[j].score(); si != sj {
			return si > sj
		}
		return candidates[i].Phrase < candidates[j].Phrase
	})

	kept := make([]*Candidate, 0, len(candidates))
	seen := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		duplicate := false
		for _, k := range seen {
			if k.Kind == c.Kind && sharesWord(k.Phrase, c.Phrase) && jaccard(k.support, c.support) >= 0.8 {
				duplicate = true
				break
			}
		}
		seen = append(seen, c)
		if !duplicate {
			kept = append(kept, c)
		}
	}
	return kept
}

func (e *Engine) persist(ctx context.Context, tenantID string, c *Candidate) (created, updated bool, err error) {
	status := store.PatternDraft
	if c.SampleSize >= e.opts.ApprovalSamples {
		status = store.PatternPendingApproval
	}

	p := &store.Pattern{
		TenantID:        tenantID,
		Type:            string(c.Kind),
		PrimaryMarker:   c.Phrase,
		Signature:       signature(c),
		SuccessRate:     clamp01(c.SuccessRate),
		SampleSize:      c.SampleSize,
		ConfidenceLevel: clamp01(c.Confidence),
		Status:          status,
		IsActive:        false,
	}

	existing, err := e.store.GetPatternByMarker(ctx, tenantID, p.Type, p.PrimaryMarker)
	if errors.Is(err, store.ErrNotFound) {
		err = e.store.CreatePattern(ctx, p)
		if errors.Is(err, store.ErrDuplicate) {
			// created concurrently by another run
			return false, false, nil
		}
		return err == nil, false, err
	}
	if err != nil {
		return false, false, err
	}

	if existing.Status != store.PatternDraft && existing.Status != store.PatternPendingApproval {
		return false, false, nil
	}

	p.ID = existing.ID
	if existing.Status == store.PatternPendingApproval {
		// evidence never demotes a candidate already queued for review
		p.Status = store.PatternPendingApproval
	}
	err = e.store.UpdatePatternEvidence(ctx, p)
	if errors.Is(err, store.ErrInvalidTransition) {
		// reviewed between our read and write
		return false, false, nil
	}
	return false, err == nil, err
}

func signature(c *Candidate) store.PatternSignature {
	sig := store.PatternSignature{
		AuxiliaryStats: map[string]float64{
			"lift":         round4(c.Lift),
			"avg_position": round4(c.AvgPosition),
			"occurrences":  float64(c.SampleSize),
		},
	}
	if c.Kind == patterns.KindAvoidPhrase {
		sig.FailureMarkers = []string{c.Phrase}
	} else {
		sig.SuccessfulMarkers = []string{c.Phrase}
	}
	return sig
}

// RunAll mines every tenant with recent outcomes. Tenants with too little data
// are skipped silently; other per-tenant failures are joined into the error.
func (e *Engine) RunAll(ctx context.Context) ([]*Report, error) {
	tenants, err := e.store.ListOutcomeTenants(ctx, e.now().Add(-e.opts.Lookback))
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	reports := make([]*Report, len(tenants))
	errs := make([]error, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, tenantID := range tenants {
		g.Go(func() error {
			report, err := e.Run(auth.SystemContext(gctx, tenantID), tenantID)
			if errors.Is(err, apperr.ErrInsufficientData) {
				e.logger.Debug("skipping tenant with insufficient data", "tenant_id", tenantID, "error", err)
				return nil
			}
			if err != nil {
				e.logger.Error("learning run failed", "tenant_id", tenantID, "error", err)
				errs[i] = fmt.Errorf("tenant %s: %w", tenantID, err)
				return nil
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Report, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// confidence grows with the square root of the sample size: about 0.56 at 5,
// 0.78 at 20 and 0.86 at 50.
func confidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	return clamp01(1 - 0.98/math.Sqrt(float64(n)))
}

func withReplies(corpus []store.CorpusEntry) []store.CorpusEntry {
	out := corpus[:0:0]
	for _, e := range corpus {
		if len(e.Replies) > 0 {
			out = append(out, e)
		}
	}
	return out
}

func jaccard(a, b map[int]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func meanPosition(occs []occurrence) float64 {
	if len(occs) == 0 {
		return 0
	}
	sum := 0.0
	for _, o := range occs {
		sum += o.position
	}
	return sum / float64(len(occs))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
