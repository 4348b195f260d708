// Benchmark tool for load testing a running Talon instance.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -players 200 -concurrency 10
//
// This tool:
//   1. Registers a synthetic player population (losing, winning and fresh cohorts)
//   2. Records deposits, wagers and wins to build up player history
//   3. Runs rule evaluation for every player and issues approved rewards
//   4. Reports issuance/rejection rates, latency and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Cohort shapes the activity history seeded for a synthetic player.
type Cohort struct {
	Name     string
	Deposit  float64
	Wagers   int
	WagerAvg float64
	WinRate  float64 // fraction of wagered volume paid back
}

var cohorts = []Cohort{
	{Name: "losing", Deposit: 2000, Wagers: 20, WagerAvg: 100, WinRate: 0.90},
	{Name: "winning", Deposit: 500, Wagers: 10, WagerAvg: 80, WinRate: 1.15},
	{Name: "fresh", Deposit: 100, Wagers: 3, WagerAvg: 10, WinRate: 0.95},
}

var gameTypes = []string{"slots", "roulette", "blackjack", "poker"}

// Metrics tracks benchmark results.
type Metrics struct {
	PlayersSeeded   int64
	Evaluations     int64
	RewardsCreated  int64
	RewardsApproved int64
	RewardsRejected int64
	Errors          int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func (m *Metrics) percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	players := flag.Int("players", 100, "Number of synthetic players")
	concurrency := flag.Int("concurrency", 10, "Concurrent workers")
	seed := flag.Int64("seed", 42, "RNG seed for reproducible populations")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	if err := waitForHealth(client, *baseURL); err != nil {
		fmt.Fprintf(os.Stderr, "server not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	fmt.Printf("Seeding %d players against %s with %d workers...\n", *players, *baseURL, *concurrency)

	metrics := &Metrics{}
	start := time.Now()

	runPhase(*concurrency, *players, func(i int) {
		playerID := fmt.Sprintf("bench-player-%04d", i)
		cohort := cohorts[i%len(cohorts)]
		rng := rand.New(rand.NewSource(*seed + int64(i)))

		if err := seedPlayer(client, *baseURL, playerID, cohort, rng); err != nil {
			atomic.AddInt64(&metrics.Errors, 1)
			return
		}
		atomic.AddInt64(&metrics.PlayersSeeded, 1)
	})

	seedDuration := time.Since(start)
	fmt.Printf("Seeded %d players in %v. Evaluating...\n", metrics.PlayersSeeded, seedDuration.Round(time.Millisecond))

	evalStart := time.Now()
	runPhase(*concurrency, *players, func(i int) {
		playerID := fmt.Sprintf("bench-player-%04d", i)
		evaluatePlayer(client, *baseURL, playerID, metrics)
	})
	evalDuration := time.Since(evalStart)

	printResults(metrics, evalDuration)
}

// runPhase fans n indexed jobs out over the worker pool and waits.
func runPhase(workers, n int, job func(i int)) {
	work := make(chan int, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				job(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
}

func waitForHealth(client *http.Client, baseURL string) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(time.Second)
	}
	return lastErr
}

func seedPlayer(client *http.Client, baseURL, playerID string, cohort Cohort, rng *rand.Rand) error {
	err := post(client, baseURL+"/players", map[string]any{
		"playerId": playerID,
		"name":     "Benchmark " + cohort.Name,
	}, nil)
	if err != nil {
		return err
	}

	if err := post(client, baseURL+"/players/"+playerID+"/deposit", map[string]any{
		"amount": cohort.Deposit,
	}, nil); err != nil {
		return err
	}

	totalWagered := 0.0
	for w := 0; w < cohort.Wagers; w++ {
		amount := cohort.WagerAvg * (0.5 + rng.Float64())
		totalWagered += amount
		if err := post(client, baseURL+"/players/"+playerID+"/wager", map[string]any{
			"amount":   amount,
			"gameType": gameTypes[rng.Intn(len(gameTypes))],
		}, nil); err != nil {
			return err
		}
	}

	won := totalWagered * cohort.WinRate
	if won > 0 {
		if err := post(client, baseURL+"/players/"+playerID+"/win", map[string]any{
			"amount": won,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

func evaluatePlayer(client *http.Client, baseURL, playerID string, metrics *Metrics) {
	start := time.Now()

	var evalResp struct {
		Rewards []struct {
			ID int64 `json:"id"`
		} `json:"rewards"`
		Count int `json:"count"`
	}
	if err := post(client, baseURL+"/players/"+playerID+"/evaluate", map[string]any{}, &evalResp); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	metrics.recordLatency(time.Since(start))
	atomic.AddInt64(&metrics.Evaluations, 1)
	atomic.AddInt64(&metrics.RewardsCreated, int64(evalResp.Count))

	for _, reward := range evalResp.Rewards {
		var validateResp struct {
			Approved bool `json:"approved"`
		}
		path := fmt.Sprintf("%s/rewards/%d/validate", baseURL, reward.ID)
		if err := post(client, path, nil, &validateResp); err != nil {
			atomic.AddInt64(&metrics.Errors, 1)
			continue
		}
		if !validateResp.Approved {
			atomic.AddInt64(&metrics.RewardsRejected, 1)
			continue
		}

		issuePath := fmt.Sprintf("%s/rewards/%d/issue", baseURL, reward.ID)
		if err := post(client, issuePath, nil, nil); err != nil {
			atomic.AddInt64(&metrics.Errors, 1)
			continue
		}
		atomic.AddInt64(&metrics.RewardsApproved, 1)
	}
}

func post(client *http.Client, url string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 POPULATION\n")
	fmt.Printf("   Players Seeded:   %d\n", m.PlayersSeeded)
	fmt.Printf("   Evaluations:      %d\n", m.Evaluations)
	fmt.Printf("   Errors:           %d\n", m.Errors)

	fmt.Printf("\n🎁 REWARD OUTCOMES\n")
	fmt.Printf("   Rewards Created:  %d\n", m.RewardsCreated)
	fmt.Printf("   Issued:           %d\n", m.RewardsApproved)
	fmt.Printf("   Gate Rejected:    %d\n", m.RewardsRejected)
	if m.RewardsCreated > 0 {
		rejectionRate := float64(m.RewardsRejected) / float64(m.RewardsCreated) * 100
		fmt.Printf("   Rejection Rate:   %.2f%%\n", rejectionRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Eval Duration:    %v\n", duration.Round(time.Millisecond))
	if m.Evaluations > 0 {
		fmt.Printf("   Throughput:       %.2f evals/sec\n", float64(m.Evaluations)/duration.Seconds())
		fmt.Printf("   Latency p50:      %v\n", m.percentile(0.50).Round(time.Millisecond))
		fmt.Printf("   Latency p95:      %v\n", m.percentile(0.95).Round(time.Millisecond))
		fmt.Printf("   Latency p99:      %v\n", m.percentile(0.99).Round(time.Millisecond))
	}
	fmt.Println()
}
