// Kestrel - Expense risk evaluation that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Benchmark drives a running Kestrel instance with a labeled expense
// dataset and reports detection accuracy and latency.
//
// The input CSV needs a header row with at least these columns:
//
//	user_id,amount,currency,merchant,description,timestamp,is_anomaly
//
// is_anomaly is "1" for expenses a human reviewer flagged and "0"
// otherwise. A predicted positive is any evaluation whose response has
// shouldAlert set.
//
// Usage:
//
//	go run ./cmd/benchmark -csv expenses_labeled.csv -limit 5000 -workers 8
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type labeledExpense struct {
	UserID      string
	Amount      float64
	Currency    string
	Merchant    string
	Description string
	Timestamp   time.Time
	IsAnomaly   bool
}

type evaluateRequest struct {
	UserID      string                 `json:"userId"`
	Amount      float64                `json:"amount"`
	Currency    string                 `json:"currency"`
	Merchant    string                 `json:"merchant,omitempty"`
	Description string                 `json:"description,omitempty"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

type evaluateResponse struct {
	EvaluationID string  `json:"evaluationId"`
	TxID         string  `json:"txId"`
	Status       string  `json:"status"`
	Category     string  `json:"category"`
	RiskScore    float64 `json:"riskScore"`
	Severity     string  `json:"severity"`
	ShouldAlert  bool    `json:"shouldAlert"`
	TxStatus     string  `json:"txStatus"`
}

type metrics struct {
	total         atomic.Int64
	errors        atomic.Int64
	truePositive  atomic.Int64
	falsePositive atomic.Int64
	trueNegative  atomic.Int64
	falseNegative atomic.Int64
	totalLatencyN atomic.Int64 // nanoseconds
	maxLatencyN   atomic.Int64
}

func (m *metrics) record(predicted, actual bool, latency time.Duration) {
	m.total.Add(1)
	m.totalLatencyN.Add(int64(latency))
	for {
		cur := m.maxLatencyN.Load()
		if int64(latency) <= cur || m.maxLatencyN.CompareAndSwap(cur, int64(latency)) {
			break
		}
	}
	switch {
	case predicted && actual:
		m.truePositive.Add(1)
	case predicted && !actual:
		m.falsePositive.Add(1)
	case !predicted && actual:
		m.falseNegative.Add(1)
	default:
		m.trueNegative.Add(1)
	}
}

func main() {
	var (
		csvPath     = flag.String("csv", "", "path to labeled expense CSV (required)")
		baseURL     = flag.String("url", "http://localhost:8080", "Kestrel base URL")
		tenantID    = flag.String("tenant", "benchmark", "tenant ID to evaluate under")
		limit       = flag.Int("limit", 10000, "max rows to evaluate (0 = all)")
		workers     = flag.Int("workers", 4, "concurrent evaluation workers")
		flaggedOnly = flag.Bool("flagged-only", false, "only send rows labeled anomalous")
		sample      = flag.Float64("sample", 1.0, "fraction of rows to send (0.0-1.0]")
		seed        = flag.Int64("seed", 42, "sampling seed")
		verbose     = flag.Bool("verbose", false, "log every evaluation")
	)
	flag.Parse()

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "error: -csv is required")
		flag.Usage()
		os.Exit(1)
	}
	if *sample <= 0 || *sample > 1 {
		fmt.Fprintln(os.Stderr, "error: -sample must be in (0.0, 1.0]")
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "error: Kestrel is not reachable at %s: %v\n", *baseURL, err)
		fmt.Fprintln(os.Stderr, "start it first: go run ./cmd/kestrel")
		os.Exit(1)
	}

	fmt.Printf("Reading %s...\n", *csvPath)
	expenses, err := readLabeledCSV(*csvPath, *limit, *flaggedOnly, *sample, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	anomalous := 0
	for _, e := range expenses {
		if e.IsAnomaly {
			anomalous++
		}
	}
	fmt.Printf("Loaded %d expenses (%d labeled anomalous, %.2f%%)\n\n",
		len(expenses), anomalous, pct(anomalous, len(expenses)))

	if len(expenses) == 0 {
		fmt.Fprintln(os.Stderr, "error: no rows to evaluate")
		os.Exit(1)
	}

	m := &metrics{}
	start := time.Now()
	runBenchmark(*baseURL, *tenantID, expenses, *workers, *verbose, m)
	elapsed := time.Since(start)

	printResults(m, elapsed)
}

func checkHealth(baseURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func readLabeledCSV(path string, limit int, flaggedOnly bool, sample float64, seed int64) ([]labeledExpense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"user_id", "amount", "is_anomaly"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv is missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	rng := rand.New(rand.NewSource(seed))
	var expenses []labeledExpense
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		amount, err := strconv.ParseFloat(field(row, "amount"), 64)
		if err != nil || amount <= 0 {
			continue // skip unusable rows rather than abort the run
		}
		isAnomaly := field(row, "is_anomaly") == "1"
		if flaggedOnly && !isAnomaly {
			continue
		}
		if sample < 1.0 && rng.Float64() >= sample {
			continue
		}

		e := labeledExpense{
			UserID:      field(row, "user_id"),
			Amount:      amount,
			Currency:    field(row, "currency"),
			Merchant:    field(row, "merchant"),
			Description: field(row, "description"),
			IsAnomaly:   isAnomaly,
		}
		if e.Currency == "" {
			e.Currency = "USD"
		}
		if ts := field(row, "timestamp"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				e.Timestamp = t
			}
		}
		expenses = append(expenses, e)

		if limit > 0 && len(expenses) >= limit {
			break
		}
	}
	return expenses, nil
}

func runBenchmark(baseURL, tenantID string, expenses []labeledExpense, workers int, verbose bool, m *metrics) {
	fmt.Printf("Evaluating %d expenses with %d workers...\n\n", len(expenses), workers)

	jobs := make(chan labeledExpense, workers*2)
	var wg sync.WaitGroup

	client := &http.Client{Timeout: 30 * time.Second}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				evaluateExpense(client, baseURL, tenantID, e, verbose, m)
			}
		}()
	}

	progressEvery := len(expenses) / 10
	if progressEvery == 0 {
		progressEvery = 1
	}
	for i, e := range expenses {
		jobs <- e
		if (i+1)%progressEvery == 0 {
			fmt.Printf("  queued %d/%d (%.0f%%)\n", i+1, len(expenses), pct(i+1, len(expenses)))
		}
	}
	close(jobs)
	wg.Wait()
	fmt.Println()
}

func evaluateExpense(client *http.Client, baseURL, tenantID string, e labeledExpense, verbose bool, m *metrics) {
	req := evaluateRequest{
		UserID:      e.UserID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Merchant:    e.Merchant,
		Description: e.Description,
		Timestamp:   e.Timestamp,
		Source:      "benchmark",
		Metadata: map[string]interface{}{
			"benchmark": true,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		m.errors.Add(1)
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		m.errors.Add(1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	start := time.Now()
	resp, err := client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		m.errors.Add(1)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.errors.Add(1)
		if verbose {
			fmt.Printf("  HTTP %d for user=%s amount=%.2f\n", resp.StatusCode, e.UserID, e.Amount)
		}
		return
	}

	var result evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		m.errors.Add(1)
		return
	}

	m.record(result.ShouldAlert, e.IsAnomaly, latency)

	if verbose {
		fmt.Printf("  user=%s amount=%.2f merchant=%q score=%.3f severity=%s alert=%v label=%v (%s)\n",
			e.UserID, e.Amount, e.Merchant, result.RiskScore, result.Severity,
			result.ShouldAlert, e.IsAnomaly, latency.Round(time.Millisecond))
	}
}

func printResults(m *metrics, elapsed time.Duration) {
	total := m.total.Load()
	errors := m.errors.Load()
	tp := m.truePositive.Load()
	fp := m.falsePositive.Load()
	tn := m.trueNegative.Load()
	fn := m.falseNegative.Load()

	fmt.Println("═══════════════════════════════════════════════")
	fmt.Println("  KESTREL BENCHMARK RESULTS")
	fmt.Println("═══════════════════════════════════════════════")
	fmt.Println()
	fmt.Printf("Evaluated:  %d expenses in %s\n", total, elapsed.Round(time.Millisecond))
	fmt.Printf("Errors:     %d\n", errors)
	if total > 0 {
		fmt.Printf("Throughput: %.1f evaluations/sec\n", float64(total)/elapsed.Seconds())
		avg := time.Duration(m.totalLatencyN.Load() / total)
		fmt.Printf("Latency:    avg %s, max %s\n",
			avg.Round(time.Millisecond), time.Duration(m.maxLatencyN.Load()).Round(time.Millisecond))
	}
	fmt.Println()

	fmt.Println("Confusion matrix (predicted = shouldAlert, actual = is_anomaly):")
	fmt.Println()
	fmt.Println("                     actual anomaly   actual normal")
	fmt.Printf("  predicted alert    %14d   %13d\n", tp, fp)
	fmt.Printf("  predicted pass     %14d   %13d\n", fn, tn)
	fmt.Println()

	precision := ratio(tp, tp+fp)
	recall := ratio(tp, tp+fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	accuracy := ratio(tp+tn, total)

	fmt.Printf("Precision:  %.4f\n", precision)
	fmt.Printf("Recall:     %.4f\n", recall)
	fmt.Printf("F1 score:   %.4f\n", f1)
	fmt.Printf("Accuracy:   %.4f\n", accuracy)
	fmt.Println()

	switch {
	case tp+fn == 0:
		fmt.Println("No anomalous rows in this run; recall is undefined. Re-run without -sample")
		fmt.Println("or with -flagged-only to include labeled anomalies.")
	case recall < 0.5:
		fmt.Println("Recall is low. Anomaly checks may need tuning for this dataset, or the")
		fmt.Println("users in it have too little history for the statistical scorer. Seed more")
		fmt.Println("history per user, or add dataset-specific checks via POST /checks.")
	case precision < 0.5:
		fmt.Println("Precision is low. Consider raising the alert threshold or lowering check")
		fmt.Println("weights to cut false positives.")
	default:
		fmt.Println("Detection looks balanced for this dataset.")
	}
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
