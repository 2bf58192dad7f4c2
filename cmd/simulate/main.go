// simulate hammers a running api-server with concurrent booking attempts
// for deliberately overlapping slots, then audits the database for
// double-booked resources. A non-zero audit count means the commit engine
// failed its one-winner guarantee.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/scheduling-engine/internal/db"
)

type simConfig struct {
	apiBaseURL string
	duration   time.Duration
	workers    int
	dsn        string
}

type dataPool struct {
	patients  []uuid.UUID
	providers []uuid.UUID
	clinicID  uuid.UUID
}

type metrics struct {
	total     int64
	created   int64
	conflict  int64
	rejected  int64
	errored   int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (m *metrics) record(latency time.Duration, outcome string) {
	atomic.AddInt64(&m.total, 1)
	switch outcome {
	case "created":
		atomic.AddInt64(&m.created, 1)
	case "conflict":
		atomic.AddInt64(&m.conflict, 1)
	case "rejected":
		atomic.AddInt64(&m.rejected, 1)
	default:
		atomic.AddInt64(&m.errored, 1)
	}
	m.mu.Lock()
	m.latencies = append(m.latencies, latency)
	m.mu.Unlock()
}

func (m *metrics) summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) == 0 {
		return "no requests issued"
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p := func(q int) time.Duration {
		idx := len(sorted) * q / 100
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return fmt.Sprintf("total=%d created=%d conflict=%d rejected=%d errors=%d p50=%s p95=%s max=%s",
		m.total, m.created, m.conflict, m.rejected, m.errored,
		p(50), p(95), sorted[len(sorted)-1])
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := simConfig{dsn: os.Getenv("POSTGRES_DSN")}
	flag.StringVar(&cfg.apiBaseURL, "api", "http://127.0.0.1:8080", "api-server base URL")
	flag.DurationVar(&cfg.duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&cfg.workers, "workers", 16, "concurrent workers")
	flag.Parse()

	if cfg.dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.dsn)
	cancel()
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	data, err := loadPool(context.Background(), pool)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded %d patients, %d providers", len(data.patients), len(data.providers))

	m := &metrics{}
	runCtx, stopRun := context.WithTimeout(context.Background(), cfg.duration)
	defer stopRun()

	var wg sync.WaitGroup
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			worker(runCtx, cfg, data, m, rand.New(rand.NewSource(seed)))
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	log.Printf("simulation finished: %s", m.summary())

	violations, err := auditDoubleBookings(context.Background(), pool)
	if err != nil {
		log.Fatalf("audit failed: %v", err)
	}
	if violations > 0 {
		log.Fatalf("AUDIT FAILED: %d overlapping active claims found", violations)
	}
	log.Println("audit passed: no resource is double-booked")
}

func loadPool(ctx context.Context, pool *pgxpool.Pool) (*dataPool, error) {
	data := &dataPool{}

	if err := pool.QueryRow(ctx, `SELECT id FROM clinics LIMIT 1`).Scan(&data.clinicID); err != nil {
		return nil, fmt.Errorf("no clinic seeded: %w", err)
	}

	rows, err := pool.Query(ctx, `SELECT id FROM patients WHERE clinic_id = $1 LIMIT 500`, data.clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		data.patients = append(data.patients, id)
	}

	provRows, err := pool.Query(ctx, `SELECT id FROM resources WHERE clinic_id = $1 AND kind = 'provider'`, data.clinicID)
	if err != nil {
		return nil, err
	}
	defer provRows.Close()
	for provRows.Next() {
		var id uuid.UUID
		if err := provRows.Scan(&id); err != nil {
			return nil, err
		}
		data.providers = append(data.providers, id)
	}

	if len(data.patients) == 0 || len(data.providers) == 0 {
		return nil, fmt.Errorf("run cmd/seed first")
	}
	return data, nil
}

// worker repeatedly computes slots for a random provider and races to
// book one of the first few offered, which maximizes contention.
func worker(ctx context.Context, cfg simConfig, data *dataPool, m *metrics, rng *rand.Rand) {
	client := &http.Client{Timeout: 10 * time.Second}

	for ctx.Err() == nil {
		providerID := data.providers[rng.Intn(len(data.providers))]
		patientID := data.patients[rng.Intn(len(data.patients))]

		slots, err := fetchSlots(ctx, client, cfg.apiBaseURL, data.clinicID, providerID)
		if err != nil || len(slots) == 0 {
			continue
		}
		slot := slots[rng.Intn(min(len(slots), 5))]

		start := time.Now()
		outcome := commitSlot(ctx, client, cfg.apiBaseURL, data.clinicID, patientID, providerID, slot)
		m.record(time.Since(start), outcome)
	}
}

type slotDTO struct {
	Start time.Time `json:"start"`
}

type slotsResponse struct {
	Slots []slotDTO `json:"slots"`
}

func fetchSlots(ctx context.Context, client *http.Client, base string, clinicID, providerID uuid.UUID) ([]slotDTO, error) {
	from := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	to := time.Now().AddDate(0, 0, 3).Format("2006-01-02")
	url := fmt.Sprintf("%s/clinics/%s/providers/%s/slots?type=consultation&duration_minutes=30&from=%s&to=%s",
		base, clinicID, providerID, from, to)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("slots status %d", resp.StatusCode)
	}

	var parsed slotsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Slots, nil
}

func commitSlot(ctx context.Context, client *http.Client, base string, clinicID, patientID, providerID uuid.UUID, slot slotDTO) string {
	payload, _ := json.Marshal(map[string]any{
		"clinic_id":        clinicID.String(),
		"patient_id":       patientID.String(),
		"provider_id":      providerID.String(),
		"appointment_type": "consultation",
		"starts_at":        slot.Start,
		"ends_at":          slot.Start.Add(30 * time.Minute),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/appointments", bytes.NewReader(payload))
	if err != nil {
		return "error"
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "error"
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		return "created"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "rejected"
	default:
		return "error"
	}
}

// auditDoubleBookings counts pairs of active claims on the same resource
// with intersecting raw intervals. Buffer overlaps are a policy matter;
// raw interval overlap is a hard invariant violation.
func auditDoubleBookings(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var violations int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointment_resources a
		JOIN appointment_resources b
		  ON a.resource_id = b.resource_id
		 AND a.appointment_id < b.appointment_id
		 AND a.starts_at < b.ends_at
		 AND b.starts_at < a.ends_at
	`).Scan(&violations)
	return violations, err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
