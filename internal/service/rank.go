// Package service orchestrates explanation, merging and business rules for a
// rerank request and records the audit trail.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/trackrank/internal/explain"
	"github.com/knoguchi/trackrank/internal/merger"
	"github.com/knoguchi/trackrank/internal/repository"
	"github.com/knoguchi/trackrank/internal/rules"
	"github.com/knoguchi/trackrank/internal/search"
	"github.com/knoguchi/trackrank/internal/tracing"
)

// MaxPrecision is the largest rounding precision a request may ask for.
const MaxPrecision = 15

// RuleStore serves and refreshes rule snapshots.
type RuleStore interface {
	Snapshot() (*rules.Snapshot, error)
	Reload(ctx context.Context) (*rules.Snapshot, error)
}

var _ RuleStore = (*rules.Store)(nil)

// ExplainRequest asks for the attribution of one explain tree.
type ExplainRequest struct {
	Tree      *explain.Node `json:"tree"`
	Precision *int          `json:"precision,omitempty"`
}

// DocumentInput is a candidate together with its optional explain tree.
type DocumentInput struct {
	search.Document
	Explain *explain.Node `json:"explain,omitempty"`
}

// ResultSetInput is one backend window. A non-empty Error marks the backend
// as unavailable.
type ResultSetInput struct {
	Engine    search.Engine   `json:"engine"`
	Error     string          `json:"error,omitempty"`
	Documents []DocumentInput `json:"documents"`
}

// RerankRequest is the input of Rerank.
type RerankRequest struct {
	Query      string           `json:"query"`
	Filters    []search.Filter  `json:"filters"`
	Now        *time.Time       `json:"now,omitempty"`
	ResultSets []ResultSetInput `json:"result_sets"`
	Precision  *int             `json:"precision,omitempty"`
}

// RankedDocument is a served document with its explanation, if one was given.
type RankedDocument struct {
	Document    search.Document `json:"document"`
	Explanation *explain.Result `json:"explanation,omitempty"`
}

// SearchMeta describes how a response was produced.
type SearchMeta struct {
	RequestID        uuid.UUID                `json:"request_id"`
	Query            string                   `json:"query"`
	Filters          []search.Filter          `json:"filters"`
	FiltersOptimized bool                     `json:"filters_optimized"`
	AppliedRules     []rules.AppliedRule      `json:"applied_rules"`
	ScoreAdjustments []rules.ScoreAdjustment  `json:"score_adjustments"`
	FailedRules      []rules.FailedRule       `json:"failed_rules"`
	Engines          []search.Engine          `json:"engines"`
	DegradedEngines  []merger.DegradedEngine  `json:"degraded_engines"`
	Duplicates       int                      `json:"duplicates"`
	RulesVersion     uuid.UUID                `json:"rules_version"`
}

// RerankResponse is the output of Rerank.
type RerankResponse struct {
	Documents []RankedDocument `json:"documents"`
	Meta      SearchMeta       `json:"meta"`
}

// RulesView is the public view of the active snapshot.
type RulesView struct {
	Version  uuid.UUID            `json:"version"`
	LoadedAt time.Time            `json:"loaded_at"`
	Source   string               `json:"source"`
	Rules    []rules.BusinessRule `json:"rules"`
}

// RankService implements the explain and rerank operations.
type RankService struct {
	store     RuleStore
	auditRepo repository.AuditRepository // optional
	metrics   *Metrics                   // optional
	logger    *slog.Logger
	precision int
	maxDepth  int
	now       func() time.Time
}

// RankServiceOption is a functional option for configuring RankService.
type RankServiceOption func(*RankService)

// WithAuditRepository persists the audit trail of every rerank.
func WithAuditRepository(repo repository.AuditRepository) RankServiceOption {
	return func(s *RankService) {
		s.auditRepo = repo
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) RankServiceOption {
	return func(s *RankService) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RankServiceOption {
	return func(s *RankService) {
		s.logger = logger
	}
}

// WithPrecision sets the default output rounding precision.
func WithPrecision(precision int) RankServiceOption {
	return func(s *RankService) {
		s.precision = precision
	}
}

// WithMaxDepth bounds explain tree recursion.
func WithMaxDepth(depth int) RankServiceOption {
	return func(s *RankService) {
		s.maxDepth = depth
	}
}

// WithClock sets the reference time used when a request carries none.
func WithClock(now func() time.Time) RankServiceOption {
	return func(s *RankService) {
		s.now = now
	}
}

// NewRankService creates a RankService serving the rules in store.
func NewRankService(store RuleStore, opts ...RankServiceOption) *RankService {
	s := &RankService{
		store:     store,
		logger:    slog.Default(),
		precision: 4,
		maxDepth:  explain.DefaultMaxDepth,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Explain decomposes and aggregates one explain tree.
func (s *RankService) Explain(ctx context.Context, req *ExplainRequest) (res *explain.Result, err error) {
	start := time.Now()
	_, end := tracing.StartSpan(ctx, "rank.explain")
	defer func() {
		end(err)
		s.observe(OpExplain, start, err)
	}()

	if req == nil || req.Tree == nil {
		return nil, status.Error(codes.InvalidArgument, "tree is required")
	}
	precision, err := s.resolvePrecision(req.Precision)
	if err != nil {
		return nil, err
	}

	res = explain.Explain(req.Tree, precision, explain.WithMaxDepth(s.maxDepth))
	s.countUnrecognized(res.UnrecognizedNodes)
	return res, nil
}

// Rerank merges the result windows, applies the active rule snapshot and
// attaches explanations to the served documents.
func (s *RankService) Rerank(ctx context.Context, req *RerankRequest) (resp *RerankResponse, err error) {
	start := time.Now()
	ctx, end := tracing.StartSpan(ctx, "rank.rerank")
	defer func() {
		end(err)
		s.observe(OpRerank, start, err)
	}()

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	precision, err := s.resolvePrecision(req.Precision)
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "rules not loaded: %v", err)
	}

	sets, trees, err := buildResultSets(req.ResultSets)
	if err != nil {
		return nil, err
	}

	_, endMerge := tracing.StartSpan(ctx, "rank.merge", attribute.Int("rank.result_sets", len(sets)))
	docs, report, err := merger.Merge(sets)
	endMerge(err)
	for _, d := range report.Degraded {
		s.logger.Warn("search backend degraded", "engine", d.Engine, "reason", d.Reason)
		if s.metrics != nil {
			s.metrics.degradedTotal.WithLabelValues(string(d.Engine)).Inc()
		}
	}
	if err != nil {
		if errors.Is(err, merger.ErrNoBackends) {
			return nil, status.Errorf(codes.Unavailable, "%v", err)
		}
		return nil, status.Errorf(codes.Internal, "failed to merge results: %v", err)
	}

	now := s.now()
	if req.Now != nil {
		now = *req.Now
	}
	query := search.Query{Text: req.Query, Filters: req.Filters, Now: now}

	applyCtx, endApply := tracing.StartSpan(ctx, "rules.apply",
		attribute.String("rank.rules_version", snap.Version.String()),
		attribute.Int("rank.candidates", len(docs)),
	)
	outcome := snap.Engine.Apply(query, docs)
	tracing.SetAttributes(applyCtx,
		attribute.Int("rank.applied_rules", len(outcome.Applied)),
		attribute.Int("rank.failed_rules", len(outcome.Failed)),
	)
	endApply(nil)

	resp = &RerankResponse{
		Documents: make([]RankedDocument, 0, len(outcome.Documents)),
		Meta: SearchMeta{
			RequestID:        uuid.New(),
			Query:            search.NormalizeQuery(req.Query),
			Filters:          outcome.Filters,
			FiltersOptimized: outcome.FiltersOptimized,
			AppliedRules:     outcome.Applied,
			ScoreAdjustments: outcome.Adjustments,
			FailedRules:      outcome.Failed,
			Engines:          report.Engines,
			DegradedEngines:  report.Degraded,
			Duplicates:       report.Duplicates,
			RulesVersion:     snap.Version,
		},
	}

	for _, d := range outcome.Documents {
		ranked := RankedDocument{Document: d}
		if tree := trees[treeKey{engine: d.Engine, id: d.ID}]; tree != nil {
			ranked.Explanation = explain.Explain(tree, precision, explain.WithMaxDepth(s.maxDepth))
			s.countUnrecognized(ranked.Explanation.UnrecognizedNodes)
		}
		resp.Documents = append(resp.Documents, ranked)
	}

	s.recordOutcome(outcome)
	s.audit(ctx, resp)

	s.logger.Debug("rerank completed",
		"request_id", resp.Meta.RequestID.String(),
		"documents", len(resp.Documents),
		"applied_rules", len(outcome.Applied),
		"failed_rules", len(outcome.Failed),
	)
	return resp, nil
}

// Rules returns the active rule snapshot.
func (s *RankService) Rules(ctx context.Context) (*RulesView, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "rules not loaded: %v", err)
	}
	return &RulesView{
		Version:  snap.Version,
		LoadedAt: snap.LoadedAt,
		Source:   snap.Source,
		Rules:    snap.Engine.Rules(),
	}, nil
}

// ReloadRules loads the rule source and publishes a new snapshot.
func (s *RankService) ReloadRules(ctx context.Context) (*RulesView, error) {
	ctx, end := tracing.StartSpan(ctx, "rules.reload")
	snap, err := s.store.Reload(ctx)
	end(err)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "failed to reload rules: %v", err)
	}
	return &RulesView{
		Version:  snap.Version,
		LoadedAt: snap.LoadedAt,
		Source:   snap.Source,
		Rules:    snap.Engine.Rules(),
	}, nil
}

// Audit returns the stored audit trail of a rerank request.
func (s *RankService) Audit(ctx context.Context, requestID string) (*repository.AuditEntry, error) {
	if s.auditRepo == nil {
		return nil, status.Error(codes.FailedPrecondition, "audit persistence is disabled")
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request_id format")
	}

	entry, err := s.auditRepo.GetByRequestID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "audit entry not found")
		}
		return nil, status.Errorf(codes.Internal, "failed to get audit entry: %v", err)
	}
	return entry, nil
}

// Audit list paging bounds.
const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// AuditPage is one page of stored audit entries, newest first.
type AuditPage struct {
	Entries []*repository.AuditEntry `json:"entries"`
	Total   int                      `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// ListAudit pages through stored audit entries. A zero limit selects
// DefaultAuditLimit.
func (s *RankService) ListAudit(ctx context.Context, limit, offset int) (*AuditPage, error) {
	if s.auditRepo == nil {
		return nil, status.Error(codes.FailedPrecondition, "audit persistence is disabled")
	}
	if limit == 0 {
		limit = DefaultAuditLimit
	}
	if limit < 0 || limit > MaxAuditLimit {
		return nil, status.Errorf(codes.InvalidArgument, "limit must be between 1 and %d", MaxAuditLimit)
	}
	if offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset must not be negative")
	}

	entries, total, err := s.auditRepo.List(ctx, limit, offset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list audit entries: %v", err)
	}
	if entries == nil {
		entries = []*repository.AuditEntry{}
	}
	return &AuditPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

type treeKey struct {
	engine search.Engine
	id     string
}

func buildResultSets(inputs []ResultSetInput) ([]merger.ResultSet, map[treeKey]*explain.Node, error) {
	sets := make([]merger.ResultSet, 0, len(inputs))
	trees := make(map[treeKey]*explain.Node)

	for i, in := range inputs {
		if !in.Engine.Valid() {
			return nil, nil, status.Errorf(codes.InvalidArgument, "result_sets[%d]: unknown engine %q", i, in.Engine)
		}
		set := merger.ResultSet{Engine: in.Engine}
		if in.Error != "" {
			set.Err = errors.New(in.Error)
		}

		set.Documents = make([]search.Document, 0, len(in.Documents))
		for j, d := range in.Documents {
			if d.ID == "" {
				return nil, nil, status.Errorf(codes.InvalidArgument, "result_sets[%d].documents[%d]: id is required", i, j)
			}
			set.Documents = append(set.Documents, d.Document)
			if d.Explain != nil {
				trees[treeKey{engine: in.Engine, id: d.ID}] = d.Explain
			}
		}
		sets = append(sets, set)
	}
	return sets, trees, nil
}

func (s *RankService) resolvePrecision(p *int) (int, error) {
	if p == nil {
		return s.precision, nil
	}
	if *p < 0 || *p > MaxPrecision {
		return 0, status.Errorf(codes.InvalidArgument, "precision must be between 0 and %d", MaxPrecision)
	}
	return *p, nil
}

func (s *RankService) audit(ctx context.Context, resp *RerankResponse) {
	if s.auditRepo == nil {
		return
	}

	ids := make([]string, len(resp.Documents))
	for i, d := range resp.Documents {
		ids[i] = d.Document.ID
	}
	entry := &repository.AuditEntry{
		ID:           uuid.New(),
		RequestID:    resp.Meta.RequestID,
		Query:        resp.Meta.Query,
		RulesVersion: resp.Meta.RulesVersion,
		Filters:      resp.Meta.Filters,
		Applied:      resp.Meta.AppliedRules,
		Adjustments:  resp.Meta.ScoreAdjustments,
		Failed:       resp.Meta.FailedRules,
		DocumentIDs:  ids,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.auditRepo.Record(ctx, entry); err != nil {
		s.logger.Error("failed to record audit entry",
			"request_id", entry.RequestID.String(),
			"error", err,
		)
	}
}

func (s *RankService) recordOutcome(o rules.Outcome) {
	if s.metrics == nil {
		return
	}
	for _, a := range o.Applied {
		s.metrics.appliedRules.WithLabelValues(string(a.Type)).Inc()
	}
	for _, f := range o.Failed {
		s.metrics.failedRules.WithLabelValues(f.RuleID).Inc()
	}
	s.metrics.adjustments.Add(float64(len(o.Adjustments)))
}

func (s *RankService) countUnrecognized(n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.unrecognized.Add(float64(n))
	}
}

func (s *RankService) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := StatusSuccess
	if err != nil {
		result = StatusFailure
	}
	s.metrics.observeRequest(op, result, time.Since(start).Seconds())
}

