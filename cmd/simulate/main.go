package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/booking"
	"github.com/hackgods/reservation-engine/internal/logger"
)

type SimConfig struct {
	APIBaseURL string        `envconfig:"API_BASE_URL" default:"http://localhost:8080"`
	ServiceID  string        `envconfig:"SERVICE_ID" required:"true"`
	Date       string        `envconfig:"DATE" required:"true"`
	Duration   time.Duration `envconfig:"DURATION" default:"30s"`
	Workers    int           `envconfig:"WORKERS" default:"50"`
	PayRatio   float64       `envconfig:"PAY_RATIO" default:"0.7"`
	Env        string        `envconfig:"APP_ENV" default:"dev"`
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := append([]time.Duration(nil), om.Latencies...)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pick(50), pick(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Reserve OperationMetrics
	Pay     OperationMetrics
	Confirm OperationMetrics
}

// Simulator hammers a single day's slots with concurrent reservations and
// checks afterwards that no slot was handed to two bookings.
type Simulator struct {
	config  SimConfig
	client  *http.Client
	log     *zap.Logger
	slots   []uuid.UUID
	metrics Metrics

	mu      sync.Mutex
	winners map[uuid.UUID][]uuid.UUID
}

func main() {
	var cfg SimConfig
	if err := envconfig.Process("SIM", &cfg); err != nil {
		zap.NewExample().Fatal("invalid config", zap.Error(err))
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	sim := &Simulator{
		config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
		winners: make(map[uuid.UUID][]uuid.UUID),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sim.loadSlots(ctx)
	cancel()
	if err != nil {
		log.Fatal("load slots", zap.Error(err))
	}
	log.Info("simulation starting",
		zap.Int("slots", len(sim.slots)),
		zap.Int("workers", cfg.Workers),
		zap.Duration("duration", cfg.Duration))

	sim.Run()
	sim.PrintReport()

	if sim.doubleBooked() > 0 {
		os.Exit(1)
	}
}

func (s *Simulator) loadSlots(ctx context.Context) error {
	url := fmt.Sprintf("%s/services/%s/availability/%s", s.config.APIBaseURL, s.config.ServiceID, s.config.Date)
	var resp struct {
		Slots []booking.TimeSlot `json:"slots"`
	}
	code, err := s.call(ctx, http.MethodGet, url, nil, nil, &resp)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("availability returned %d", code)
	}
	for _, slot := range resp.Slots {
		s.slots = append(s.slots, slot.ID)
	}
	if len(s.slots) == 0 {
		return errors.New("no bookable slots for that service and date")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		slotID := s.slots[rng.Intn(len(s.slots))]
		b, ok := s.reserve(ctx, slotID)
		if !ok {
			continue
		}
		if rng.Float64() < s.config.PayRatio && s.pay(ctx, b) {
			s.confirm(ctx, b)
		}
	}
}

func (s *Simulator) reserve(ctx context.Context, slotID uuid.UUID) (uuid.UUID, bool) {
	user := uuid.New()
	start := time.Now()

	var b booking.Booking
	code, err := s.call(ctx, http.MethodPost, s.config.APIBaseURL+"/bookings",
		map[string]string{"slot_id": slotID.String()},
		http.Header{"X-User-ID": []string{user.String()}}, &b)
	if ctx.Err() != nil {
		return uuid.Nil, false
	}

	success := err == nil && code == http.StatusCreated
	s.metrics.Reserve.Record(time.Since(start), success, code == http.StatusConflict)
	if !success {
		return uuid.Nil, false
	}

	s.mu.Lock()
	s.winners[slotID] = append(s.winners[slotID], b.ID)
	s.mu.Unlock()
	return b.ID, true
}

// pay starts a payment and plays the provider by delivering a capture.
func (s *Simulator) pay(ctx context.Context, bookingID uuid.UUID) bool {
	start := time.Now()
	base := fmt.Sprintf("%s/bookings/%s", s.config.APIBaseURL, bookingID)

	var attempt booking.Payment
	code, err := s.call(ctx, http.MethodPost, base+"/payments", map[string]string{}, nil, &attempt)
	if err == nil && code == http.StatusCreated {
		code, err = s.call(ctx, http.MethodPost, s.config.APIBaseURL+"/webhooks/payments", booking.ProviderEvent{
			OrderID:   attempt.ProviderOrderID,
			PaymentID: "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
			Status:    "captured",
			Amount:    attempt.Amount,
			Currency:  attempt.Currency,
		}, nil, nil)
	}
	if ctx.Err() != nil {
		return false
	}
	success := err == nil && code == http.StatusOK
	s.metrics.Pay.Record(time.Since(start), success, code == http.StatusConflict)
	return success
}

func (s *Simulator) confirm(ctx context.Context, bookingID uuid.UUID) {
	start := time.Now()
	code, err := s.call(ctx, http.MethodPost, fmt.Sprintf("%s/bookings/%s/confirm", s.config.APIBaseURL, bookingID), nil, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.metrics.Confirm.Record(time.Since(start), err == nil && code == http.StatusOK, code == http.StatusConflict)
}

func (s *Simulator) call(ctx context.Context, method, url string, body any, header http.Header, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// doubleBooked counts slots that more than one reservation won. Cancelled
// bookings are not tracked, so a non-zero count means overlap.
func (s *Simulator) doubleBooked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ids := range s.winners {
		if len(ids) > 1 {
			n++
		}
	}
	return n
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CLAIM STORM REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Slots contested: %d\n", len(s.slots))

	s.mu.Lock()
	fmt.Printf("Slots won: %d\n", len(s.winners))
	s.mu.Unlock()
	fmt.Printf("Slots double booked: %d\n\n", s.doubleBooked())

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Pay", &s.metrics.Pay)
	printOperationReport("Confirm", &s.metrics.Confirm)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}
