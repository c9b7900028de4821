package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/trackrank/internal/explain"
	"github.com/knoguchi/trackrank/internal/repository"
	"github.com/knoguchi/trackrank/internal/rules"
	"github.com/knoguchi/trackrank/internal/search"
)

type memoryAuditRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*repository.AuditEntry
	err     error
}

func newMemoryAuditRepo() *memoryAuditRepo {
	return &memoryAuditRepo{entries: make(map[uuid.UUID]*repository.AuditEntry)}
}

func (m *memoryAuditRepo) Record(ctx context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[entry.RequestID] = entry
	return nil
}

func (m *memoryAuditRepo) GetByRequestID(ctx context.Context, id uuid.UUID) (*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return entry, nil
}

func (m *memoryAuditRepo) List(ctx context.Context, limit, offset int) ([]*repository.AuditEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*repository.AuditEntry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	if offset >= len(all) {
		return nil, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

var epicRule = rules.BusinessRule{
	ID:       "trailer-epic",
	Type:     rules.TypeBoostLibraries,
	Enabled:  true,
	Priority: 10,
	Pattern:  "trailer",
	Action:   rules.Action{BoostLibraries: []rules.LibraryBoost{{LibraryName: "Epic Stock", BoostFactor: 1.5}}},
}

func newLoadedStore(t *testing.T, rs ...rules.BusinessRule) *rules.Store {
	t.Helper()
	store := rules.NewStore(rules.StoreConfig{Loader: rules.StaticLoader(rs)})
	if _, err := store.Reload(context.Background()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return store
}

func explainLeaf(value float64) *explain.Node {
	return &explain.Node{
		Description: "sum of:",
		Value:       value,
		Details: []explain.Node{
			{Description: "weight(title:trailer in 3) [SchemaSimilarity], result of:", Value: value},
		},
	}
}

func rerankRequest() *RerankRequest {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return &RerankRequest{
		Query: "Epic Orchestral  Trailer",
		Now:   &now,
		ResultSets: []ResultSetInput{
			{
				Engine: search.EngineSolr,
				Documents: []DocumentInput{
					{Document: search.Document{ID: "t1", LibraryName: "Epic Stock", NativeScore: 8}, Explain: explainLeaf(8)},
					{Document: search.Document{ID: "t2", LibraryName: "Cinematic Sounds", NativeScore: 10}},
					{Document: search.Document{ID: "t3", LibraryName: "Indie Works", NativeScore: 2}},
				},
			},
		},
	}
}

func grpcCode(err error) codes.Code {
	return status.Code(err)
}

func TestRankService_Explain(t *testing.T) {
	svc := NewRankService(newLoadedStore(t))

	res, err := svc.Explain(context.Background(), &ExplainRequest{Tree: explainLeaf(4)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Total != 4 || len(res.ByField) != 1 || res.ByField[0].PercentOfTotal != 100 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRankService_ExplainValidation(t *testing.T) {
	svc := NewRankService(newLoadedStore(t))

	if _, err := svc.Explain(context.Background(), &ExplainRequest{}); grpcCode(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for missing tree, got %v", err)
	}

	p := MaxPrecision + 1
	_, err := svc.Explain(context.Background(), &ExplainRequest{Tree: explainLeaf(1), Precision: &p})
	if grpcCode(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for precision, got %v", err)
	}
}

func TestRankService_Rerank(t *testing.T) {
	audit := newMemoryAuditRepo()
	svc := NewRankService(newLoadedStore(t, epicRule), WithAuditRepository(audit))

	resp, err := svc.Rerank(context.Background(), rerankRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// t1 normalizes to 0.75 and is boosted to 1.125, above t2 at 1.
	if resp.Documents[0].Document.ID != "t1" {
		t.Errorf("expected boosted t1 first, got %s", resp.Documents[0].Document.ID)
	}
	if resp.Documents[0].Explanation == nil {
		t.Error("expected explanation for t1")
	}
	if resp.Documents[1].Explanation != nil {
		t.Error("expected no explanation for t2")
	}

	meta := resp.Meta
	if meta.Query != "epic orchestral trailer" {
		t.Errorf("expected normalized query, got %q", meta.Query)
	}
	if len(meta.AppliedRules) != 1 || len(meta.ScoreAdjustments) != 1 {
		t.Errorf("expected one applied rule and one adjustment, got %+v", meta)
	}
	if meta.RequestID == uuid.Nil || meta.RulesVersion == uuid.Nil {
		t.Errorf("expected request id and rules version, got %+v", meta)
	}

	entry, err := svc.Audit(context.Background(), meta.RequestID.String())
	if err != nil {
		t.Fatalf("expected audit entry: %v", err)
	}
	if len(entry.DocumentIDs) != 3 || entry.DocumentIDs[0] != "t1" {
		t.Errorf("unexpected audited order %v", entry.DocumentIDs)
	}
}

func TestRankService_RerankDegraded(t *testing.T) {
	svc := NewRankService(newLoadedStore(t))

	req := rerankRequest()
	req.ResultSets = append(req.ResultSets, ResultSetInput{Engine: search.EngineFTS5, Error: "database is locked"})

	resp, err := svc.Rerank(context.Background(), req)
	if err != nil {
		t.Fatalf("partial availability should succeed, got %v", err)
	}
	if len(resp.Meta.DegradedEngines) != 1 || resp.Meta.DegradedEngines[0].Engine != search.EngineFTS5 {
		t.Errorf("expected fts5 degraded, got %+v", resp.Meta.DegradedEngines)
	}
}

func TestRankService_RerankErrors(t *testing.T) {
	t.Run("all backends down", func(t *testing.T) {
		svc := NewRankService(newLoadedStore(t))
		req := &RerankRequest{ResultSets: []ResultSetInput{{Engine: search.EngineSolr, Error: "timeout"}}}

		if _, err := svc.Rerank(context.Background(), req); grpcCode(err) != codes.Unavailable {
			t.Errorf("expected Unavailable, got %v", err)
		}
	})

	t.Run("no snapshot", func(t *testing.T) {
		svc := NewRankService(rules.NewStore(rules.StoreConfig{Loader: rules.StaticLoader{}}))

		if _, err := svc.Rerank(context.Background(), rerankRequest()); grpcCode(err) != codes.Unavailable {
			t.Errorf("expected Unavailable, got %v", err)
		}
	})

	t.Run("unknown engine", func(t *testing.T) {
		svc := NewRankService(newLoadedStore(t))
		req := &RerankRequest{ResultSets: []ResultSetInput{{Engine: "elastic"}}}

		if _, err := svc.Rerank(context.Background(), req); grpcCode(err) != codes.InvalidArgument {
			t.Errorf("expected InvalidArgument, got %v", err)
		}
	})

	t.Run("missing document id", func(t *testing.T) {
		svc := NewRankService(newLoadedStore(t))
		req := &RerankRequest{ResultSets: []ResultSetInput{{
			Engine:    search.EngineSolr,
			Documents: []DocumentInput{{Document: search.Document{NativeScore: 1}}},
		}}}

		if _, err := svc.Rerank(context.Background(), req); grpcCode(err) != codes.InvalidArgument {
			t.Errorf("expected InvalidArgument, got %v", err)
		}
	})
}

func TestRankService_AuditFailureDoesNotFailRequest(t *testing.T) {
	audit := newMemoryAuditRepo()
	audit.err = errors.New("connection reset")
	svc := NewRankService(newLoadedStore(t, epicRule), WithAuditRepository(audit))

	if _, err := svc.Rerank(context.Background(), rerankRequest()); err != nil {
		t.Errorf("expected audit failure to be logged only, got %v", err)
	}
}

func TestRankService_Audit(t *testing.T) {
	svc := NewRankService(newLoadedStore(t))
	if _, err := svc.Audit(context.Background(), uuid.NewString()); grpcCode(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition without repository, got %v", err)
	}

	svc = NewRankService(newLoadedStore(t), WithAuditRepository(newMemoryAuditRepo()))
	if _, err := svc.Audit(context.Background(), "not-a-uuid"); grpcCode(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
	if _, err := svc.Audit(context.Background(), uuid.NewString()); grpcCode(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestRankService_RulesAndReload(t *testing.T) {
	store := newLoadedStore(t, epicRule)
	svc := NewRankService(store)

	view, err := svc.Rules(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Rules) != 1 || view.Rules[0].ID != "trailer-epic" {
		t.Errorf("unexpected rules %+v", view.Rules)
	}

	reloaded, err := svc.ReloadRules(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Version == view.Version {
		t.Error("expected new version after reload")
	}
}

func TestRankService_Metrics(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	svc := NewRankService(newLoadedStore(t, epicRule), WithMetrics(m))
	if _, err := svc.Rerank(context.Background(), rerankRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() returned error: %v", err)
	}

	counts := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[f.GetName()] += c.GetValue()
			}
		}
	}

	if counts[MetricRankRequestsTotal] != 1 {
		t.Errorf("expected 1 request, got %v", counts[MetricRankRequestsTotal])
	}
	if counts[MetricAppliedRulesTotal] != 1 {
		t.Errorf("expected 1 applied rule, got %v", counts[MetricAppliedRulesTotal])
	}
	if counts[MetricScoreAdjustmentsTotal] != 1 {
		t.Errorf("expected 1 adjustment, got %v", counts[MetricScoreAdjustmentsTotal])
	}
}

func TestRankService_ListAudit(t *testing.T) {
	svc := NewRankService(newLoadedStore(t))
	if _, err := svc.ListAudit(context.Background(), 0, 0); grpcCode(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition without repository, got %v", err)
	}

	audit := newMemoryAuditRepo()
	svc = NewRankService(newLoadedStore(t, epicRule), WithAuditRepository(audit))

	page, err := svc.ListAudit(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Entries == nil || len(page.Entries) != 0 || page.Limit != DefaultAuditLimit {
		t.Errorf("expected an empty first page, got %+v", page)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Rerank(context.Background(), rerankRequest()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	page, err = svc.ListAudit(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 3 || len(page.Entries) != 2 || page.Offset != 1 {
		t.Errorf("unexpected page total=%d entries=%d offset=%d", page.Total, len(page.Entries), page.Offset)
	}

	tests := []struct {
		name          string
		limit, offset int
	}{
		{"negative limit", -1, 0},
		{"limit too large", MaxAuditLimit + 1, 0},
		{"negative offset", 10, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ListAudit(context.Background(), tt.limit, tt.offset); grpcCode(err) != codes.InvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestRankService_RerankSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	svc := NewRankService(newLoadedStore(t, epicRule))
	if _, err := svc.Rerank(context.Background(), rerankRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parents := make(map[string]string)
	ids := make(map[string]string)
	for _, span := range recorder.Ended() {
		ids[span.Name()] = span.SpanContext().SpanID().String()
		parents[span.Name()] = span.Parent().SpanID().String()
	}
	for _, name := range []string{"rank.merge", "rules.apply"} {
		if _, ok := ids[name]; !ok {
			t.Errorf("expected span %s, got %v", name, ids)
			continue
		}
		if parents[name] != ids["rank.rerank"] {
			t.Errorf("expected %s to be a child of rank.rerank", name)
		}
	}
}
