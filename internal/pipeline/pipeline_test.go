package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/reconcile"
	"github.com/opensource-finance/kestrel/internal/risk"
)

type fakeRepo struct {
	domain.Repository

	mu          sync.Mutex
	history     []*domain.Transaction
	historyErr  error
	evaluations []*domain.Evaluation
	outcomes    []*domain.Transaction
	linked      [][2]string
	alerts      []*domain.Alert
}

func (r *fakeRepo) ListUserTransactions(_ context.Context, _, _, _ string, _ time.Time) ([]*domain.Transaction, error) {
	if r.historyErr != nil {
		return nil, r.historyErr
	}
	return r.history, nil
}

func (r *fakeRepo) ListUnreconciledByAmount(_ context.Context, _ string, min, max float64) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, tx := range r.history {
		if tx.Amount >= min && tx.Amount <= max && !tx.IsReconciled {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveEvaluation(_ context.Context, _ string, eval *domain.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations = append(r.evaluations, eval)
	return nil
}

func (r *fakeRepo) UpdateEvaluationOutcome(_ context.Context, _ string, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, tx)
	return nil
}

func (r *fakeRepo) LinkReceipt(_ context.Context, _, txID, receiptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked = append(r.linked, [2]string{txID, receiptID})
	return nil
}

func (r *fakeRepo) SaveAlert(_ context.Context, _ string, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

type fixedHistory struct {
	repo *fakeRepo
}

func (h fixedHistory) Window(ctx context.Context, tenantID, userID, category string, _ time.Time) ([]*domain.Transaction, error) {
	return h.repo.ListUserTransactions(ctx, tenantID, userID, category, time.Time{})
}

type stubClassifier struct {
	result *domain.Classification
	err    error
	gotIn  *domain.ClassifyInput
}

func (s *stubClassifier) Classify(_ context.Context, in *domain.ClassifyInput) (*domain.Classification, error) {
	s.gotIn = in
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, _ *domain.RiskDecision, _ *domain.Transaction, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return n.err
}

type decisionCache struct {
	domain.Cache
	mu        sync.Mutex
	decisions map[string]*domain.RiskDecision
}

func (c *decisionCache) GetDecision(_ context.Context, _ string, txID string) (*domain.RiskDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decisions[txID], nil
}

func (c *decisionCache) SetDecision(_ context.Context, _ string, txID string, decision *domain.RiskDecision, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decisions == nil {
		c.decisions = make(map[string]*domain.RiskDecision)
	}
	c.decisions[txID] = decision
	return nil
}

func quietHistory(n int) []*domain.Transaction {
	window := make([]*domain.Transaction, 0, n)
	for i := 0; i < n; i++ {
		amount := 90.0
		if i%2 == 1 {
			amount = 110.0
		}
		window = append(window, &domain.Transaction{
			ID:        fmt.Sprintf("tx-h%d", i),
			TenantID:  "tenant-1",
			UserID:    "user-1",
			Amount:    amount,
			Currency:  "USD",
			Merchant:  "Acme Corp",
			Category:  "meals",
			Timestamp: time.Date(2026, 3, 1+i%20, 12, 0, 0, 0, time.UTC),
		})
	}
	return window
}

func newTx() *domain.Transaction {
	return &domain.Transaction{
		ID:          "tx-1",
		TenantID:    "tenant-1",
		UserID:      "user-1",
		Amount:      100,
		Currency:    "USD",
		Merchant:    "Acme Corp",
		Description: "team lunch",
		Timestamp:   time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	repo     *fakeRepo
	notifier *recordingNotifier
	coord    *Coordinator
}

func newFixture(t *testing.T, repo *fakeRepo, classifier domain.ClassificationService, cache domain.Cache) *fixture {
	t.Helper()
	notifier := &recordingNotifier{}
	scorer := anomaly.NewScorer(fixedHistory{repo: repo}, domain.ScoringConfig{ZScoreThreshold: 2.0}, nil)
	coord, err := NewCoordinator(Config{
		Repo:       repo,
		Cache:      cache,
		Classifier: classifier,
		Scorer:     scorer,
		Matcher:    reconcile.NewMatcher(repo),
		Fusion:     risk.NewFusion(nil, domain.ReasonerConfig{}, 0.4),
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return &fixture{repo: repo, notifier: notifier, coord: coord}
}

func stageStatuses(eval *domain.Evaluation) map[string]domain.StageStatus {
	out := make(map[string]domain.StageStatus)
	for _, s := range eval.Stages {
		out[s.Stage] = s.Status
	}
	return out
}

func TestEvaluateHappyPath(t *testing.T) {
	repo := &fakeRepo{history: quietHistory(10)}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

	eval, err := fx.coord.Evaluate(context.Background(), newTx(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if eval.Status != domain.EvalSuccess {
		t.Errorf("expected success, got %s", eval.Status)
	}

	wantOrder := []string{StageClassify, StageAnomaly, StageReconcile, StageDecision, StageNotify}
	if len(eval.Stages) != len(wantOrder) {
		t.Fatalf("expected %d stages, got %d", len(wantOrder), len(eval.Stages))
	}
	for i, name := range wantOrder {
		if eval.Stages[i].Stage != name {
			t.Errorf("stage %d: expected %s, got %s", i, name, eval.Stages[i].Stage)
		}
	}

	statuses := stageStatuses(eval)
	if statuses[StageReconcile] != domain.StageSkipped {
		t.Error("reconcile should be skipped without a receipt")
	}
	if statuses[StageNotify] != domain.StageSkipped {
		t.Error("notify should be skipped for a clean decision")
	}
	if eval.Decision == nil || eval.Decision.ShouldAlert {
		t.Errorf("expected a quiet decision, got %+v", eval.Decision)
	}
	if fx.notifier.calls != 0 {
		t.Errorf("notifier should not run, got %d calls", fx.notifier.calls)
	}
	if len(repo.evaluations) != 1 || len(repo.outcomes) != 1 {
		t.Errorf("expected persisted evaluation and outcome, got %d/%d", len(repo.evaluations), len(repo.outcomes))
	}
	if repo.outcomes[0].Status != domain.StatusApproved {
		t.Errorf("expected approved transaction, got %s", repo.outcomes[0].Status)
	}
}

func TestEvaluateAnomalousTransactionAlerts(t *testing.T) {
	repo := &fakeRepo{history: quietHistory(30)}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "other", Confidence: 0.3, NeedsReview: true}}, nil)

	tx := newTx()
	tx.Amount = 5000
	tx.Merchant = "Never Seen Inc"
	tx.Timestamp = time.Date(2026, 3, 12, 23, 0, 0, 0, time.UTC)

	eval, err := fx.coord.Evaluate(context.Background(), tx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if eval.Anomaly == nil || !eval.Anomaly.IsAnomaly {
		t.Fatalf("expected anomaly verdict, got %+v", eval.Anomaly)
	}
	if !eval.Decision.ShouldAlert {
		t.Error("expected alerting decision")
	}
	if stageStatuses(eval)[StageNotify] != domain.StageOK {
		t.Error("notify stage should run")
	}
	if fx.notifier.calls != 1 {
		t.Errorf("expected 1 notification, got %d", fx.notifier.calls)
	}
	if tx.Status == domain.StatusApproved {
		t.Error("an alerting transaction must not be approved")
	}
}

func TestEvaluateWithReceipt(t *testing.T) {
	t.Run("matching receipt links and stays quiet", func(t *testing.T) {
		repo := &fakeRepo{history: quietHistory(10)}
		fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

		receipt := &domain.Receipt{
			ID:       "rcpt-1",
			TenantID: "tenant-1",
			Amount:   100.20,
			Merchant: "Acme Corp",
			Date:     time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		}
		eval, err := fx.coord.Evaluate(context.Background(), newTx(), receipt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if eval.Reconciliation == nil || !eval.Reconciliation.IsMatch {
			t.Fatalf("expected match, got %+v", eval.Reconciliation)
		}
		if len(repo.linked) != 1 || repo.linked[0] != [2]string{"tx-1", "rcpt-1"} {
			t.Errorf("expected receipt link, got %v", repo.linked)
		}
		if eval.Decision.ShouldAlert {
			t.Error("a matched receipt should not alert")
		}
	})

	t.Run("mismatched receipt raises the score", func(t *testing.T) {
		repo := &fakeRepo{history: quietHistory(10)}
		fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

		receipt := &domain.Receipt{
			ID:       "rcpt-2",
			TenantID: "tenant-1",
			Amount:   250.00,
			Merchant: "Somewhere Else",
			Date:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		eval, err := fx.coord.Evaluate(context.Background(), newTx(), receipt)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if eval.Reconciliation.IsMatch {
			t.Fatal("receipt should not match")
		}
		if len(repo.linked) != 0 {
			t.Error("mismatch must not link")
		}
		found := false
		for _, f := range eval.Decision.RiskFactors {
			if f == "Receipt mismatch or missing" {
				found = true
			}
		}
		if !found {
			t.Errorf("expected mismatch risk factor, got %v", eval.Decision.RiskFactors)
		}
	})
}

func TestEvaluateDegradedHistory(t *testing.T) {
	repo := &fakeRepo{historyErr: fmt.Errorf("database offline")}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

	eval, err := fx.coord.Evaluate(context.Background(), newTx(), nil)
	if err != nil {
		t.Fatalf("a degraded stage must not fail the pipeline: %v", err)
	}

	if stageStatuses(eval)[StageAnomaly] != domain.StageError {
		t.Error("anomaly stage should record the error")
	}
	if eval.Status != domain.EvalError {
		t.Errorf("a failed stage must surface in the overall status, got %s", eval.Status)
	}
	if eval.Decision == nil {
		t.Fatal("evaluation should still complete with a decision")
	}
	if eval.Decision.Severity == domain.SeverityLow {
		t.Error("unknown anomaly status must not stay low severity")
	}
	if !eval.Decision.ShouldAlert {
		t.Error("unknown anomaly status must reach a human")
	}
}

func TestEvaluateClassifierFailure(t *testing.T) {
	repo := &fakeRepo{history: quietHistory(10)}
	fx := newFixture(t, repo, &stubClassifier{err: fmt.Errorf("service down")}, nil)

	eval, err := fx.coord.Evaluate(context.Background(), newTx(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stageStatuses(eval)[StageClassify] != domain.StageError {
		t.Error("classify stage should record the error")
	}
	if eval.Status != domain.EvalError {
		t.Errorf("a failed stage must surface in the overall status, got %s", eval.Status)
	}
	if eval.Classification == nil || eval.Classification.Category != domain.CategoryOther {
		t.Errorf("expected fallback category, got %+v", eval.Classification)
	}
	if !eval.Classification.NeedsReview {
		t.Error("fallback classification must need review")
	}
}

func TestClassifierReceivesRecentCategories(t *testing.T) {
	history := []*domain.Transaction{
		{ID: "tx-h1", TenantID: "tenant-1", UserID: "user-1", Amount: 40, Category: "meals", Timestamp: time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h2", TenantID: "tenant-1", UserID: "user-1", Amount: 300, Category: "travel", Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h3", TenantID: "tenant-1", UserID: "user-1", Amount: 45, Category: "meals", Timestamp: time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h4", TenantID: "tenant-1", UserID: "user-1", Amount: 12, Timestamp: time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h5", TenantID: "tenant-1", UserID: "user-1", Amount: 99, Category: "software", Timestamp: time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h6", TenantID: "tenant-1", UserID: "user-1", Amount: 80, Category: "equipment", Timestamp: time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h7", TenantID: "tenant-1", UserID: "user-1", Amount: 1200, Category: "rent", Timestamp: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)},
		{ID: "tx-h8", TenantID: "tenant-1", UserID: "user-1", Amount: 60, Category: "insurance", Timestamp: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)},
	}
	repo := &fakeRepo{history: history}
	classifier := &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}
	fx := newFixture(t, repo, classifier, nil)

	if _, err := fx.coord.Evaluate(context.Background(), newTx(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if classifier.gotIn == nil {
		t.Fatal("classifier was not called")
	}
	// Distinct, newest first, capped at five; the uncategorized row is skipped.
	want := []string{"meals", "travel", "software", "equipment", "rent"}
	got := classifier.gotIn.RecentCategories
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("category %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEvaluateNotifierFailure(t *testing.T) {
	repo := &fakeRepo{history: quietHistory(30)}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "other", Confidence: 0.3, NeedsReview: true}}, nil)
	fx.notifier.err = fmt.Errorf("webhook unreachable")

	tx := newTx()
	tx.Amount = 5000

	eval, err := fx.coord.Evaluate(context.Background(), tx, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stageStatuses(eval)[StageNotify] != domain.StageError {
		t.Error("notify stage should record the error")
	}
	if eval.Status != domain.EvalSuccess {
		t.Errorf("a notification failure must not fail the evaluation, got %s", eval.Status)
	}
}

func TestEvaluateCancellation(t *testing.T) {
	repo := &fakeRepo{history: quietHistory(10)}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eval, err := fx.coord.Evaluate(ctx, newTx(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.Status != domain.EvalCancelled {
		t.Errorf("expected cancelled status, got %s", eval.Status)
	}
	if len(eval.Stages) != 1 || eval.Stages[0].Status != domain.StageCancelled {
		t.Errorf("expected a single cancelled stage, got %+v", eval.Stages)
	}
	if eval.Decision != nil {
		t.Error("a cancelled evaluation must not carry a decision")
	}
}

func TestEvaluateInvalidInput(t *testing.T) {
	repo := &fakeRepo{}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

	if _, err := fx.coord.Evaluate(context.Background(), nil, nil); err == nil {
		t.Error("expected error for nil transaction")
	}
	if _, err := fx.coord.Evaluate(context.Background(), &domain.Transaction{ID: "tx-1"}, nil); err == nil {
		t.Error("expected error for missing tenant")
	}
}

func TestEvaluateIdempotence(t *testing.T) {
	repo := &fakeRepo{history: quietHistory(10)}
	cache := &decisionCache{}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, cache)

	first, err := fx.coord.Evaluate(context.Background(), newTx(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := fx.coord.Evaluate(context.Background(), newTx(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Decision.RiskScore != second.Decision.RiskScore {
		t.Errorf("decisions differ across runs: %v vs %v", first.Decision.RiskScore, second.Decision.RiskScore)
	}
	if second.Decision != cache.decisions["tx-1"] {
		t.Error("second run should reuse the cached decision")
	}
}

func TestReconcileReceipt(t *testing.T) {
	candidates := []*domain.Transaction{
		{ID: "tx-a", TenantID: "tenant-1", Amount: 100.00, Merchant: "Acme Corp", Timestamp: time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)},
		{ID: "tx-b", TenantID: "tenant-1", Amount: 100.50, Merchant: "Other Shop", Timestamp: time.Date(2026, 3, 12, 11, 0, 0, 0, time.UTC)},
	}
	repo := &fakeRepo{history: candidates}
	fx := newFixture(t, repo, &stubClassifier{result: &domain.Classification{Category: "meals", Confidence: 0.95}}, nil)

	receipt := &domain.Receipt{
		ID:       "rcpt-9",
		TenantID: "tenant-1",
		Amount:   100.10,
		Merchant: "Acme Corp",
		Date:     time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
	}
	tx, verdict, err := fx.coord.ReconcileReceipt(context.Background(), receipt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx == nil || tx.ID != "tx-a" {
		t.Fatalf("expected tx-a, got %+v", tx)
	}
	if !verdict.IsMatch {
		t.Error("expected a matching verdict")
	}
	if len(repo.linked) != 1 || repo.linked[0] != [2]string{"tx-a", "rcpt-9"} {
		t.Errorf("expected link for tx-a, got %v", repo.linked)
	}
}
