package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/api"
	"github.com/webcuts/orthopaedie-booking/internal/config"
	"github.com/webcuts/orthopaedie-booking/internal/db"
	"github.com/webcuts/orthopaedie-booking/internal/logging"
)

// SimConfig drives a load run against a running api-server. Booking races
// are provoked on purpose: SlotLimit keeps the candidate set small so
// workers collide on the same units.
type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	CancelRatio     float64
	RescheduleRatio float64
	ReadRatio       float64
	SlotLimit       int
	PostgresDSN     string
}

type booking struct {
	id    uuid.UUID
	token string
}

type DataPool struct {
	Treatments []uuid.UUID
	Slots      []uuid.UUID

	mu       sync.Mutex
	bookings []booking
}

func (dp *DataPool) add(b booking) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, b)
}

// take removes and returns a random booking so two workers never cancel
// the same one on purpose.
func (dp *DataPool) take(rng *rand.Rand) (booking, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.bookings) == 0 {
		return booking{}, false
	}
	i := rng.Intn(len(dp.bookings))
	b := dp.bookings[i]
	dp.bookings[i] = dp.bookings[len(dp.bookings)-1]
	dp.bookings = dp.bookings[:len(dp.bookings)-1]
	return b, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
	keys      map[string]int
}

func (om *OperationMetrics) Record(latency time.Duration, status int, key string) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case status >= 200 && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	defer om.mu.Unlock()
	om.latencies = append(om.latencies, latency)
	if key != "" {
		if om.keys == nil {
			om.keys = make(map[string]int)
		}
		om.keys[key]++
	}
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	n := len(om.latencies)
	if n == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]time.Duration(nil), om.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	return sum / time.Duration(n), sorted[n*50/100], sorted[min(n*95/100, n-1)], sorted[n-1]
}

type Metrics struct {
	Booking      OperationMetrics
	Cancel       OperationMetrics
	Reschedule   OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  *zap.Logger
	metrics Metrics
}

func main() {
	base, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(base.Env, base.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(base)
	if cfg.Workers <= 0 || cfg.Duration <= 0 {
		logger.Fatal("SIM_WORKERS and SIM_DURATION must be > 0")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "booking-simulate"})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data loaded", zap.Int("treatments", len(dataPool.Treatments)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.15),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.1),
		ReadRatio:       getFloat("SIM_READ_RATIO", 0.25),
		SlotLimit:       getInt("SIM_SLOT_LIMIT", 200),
		PostgresDSN:     base.PostgresDSN,
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.RescheduleRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.RescheduleRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

// loadDataPool picks single-unit provider treatments so any available
// provider slot is a valid start, and the earliest open provider slots
// more than two days out so cancellations stay inside the deadline.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM treatment_types
		WHERE NOT practice_service AND duration_minutes <= 10
	`)
	if err != nil {
		return nil, fmt.Errorf("load treatment types: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Treatments = append(dataPool.Treatments, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT id FROM time_slots
		WHERE is_available
		  AND NOT private_only
		  AND provider_id IS NOT NULL
		  AND starts_at > now() + interval '2 days'
		ORDER BY starts_at
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, id)
	}

	if len(dataPool.Treatments) == 0 {
		return nil, fmt.Errorf("no single-unit provider treatment found")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no open slots loaded")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	faker := gofakeit.New(uint64(rng.Int63()))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng, faker)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio+s.config.RescheduleRatio:
			s.doReschedule(ctx, rng)
		default:
			s.doAvailability(ctx, rng)
		}
	}
}

// send issues one request and decodes the JSON body into out when the
// status is 2xx. It returns the status and the error key of failures.
func (s *Simulator) send(ctx context.Context, method, path string, body, out any) (int, string) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, "request_error"
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "transport_error"
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, e.Error
	}
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, ""
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	insurance := "public"
	if rng.Intn(5) == 0 {
		insurance = "private"
	}
	req := api.CreateAppointmentRequest{
		Patient: api.PatientRequest{
			FirstName: faker.FirstName(),
			LastName:  faker.LastName(),
			Email:     faker.Email(),
			Insurance: insurance,
		},
		TreatmentTypeID: s.pool.Treatments[rng.Intn(len(s.pool.Treatments))].String(),
		StartSlotID:     s.pool.Slots[rng.Intn(len(s.pool.Slots))].String(),
		Language:        "de",
	}

	start := time.Now()
	var created api.AppointmentResponse
	status, key := s.send(ctx, http.MethodPost, "/appointments", req, &created)
	s.metrics.Booking.Record(time.Since(start), status, key)

	if status == http.StatusCreated {
		s.pool.add(booking{id: created.ID, token: created.CancellationToken})
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.take(rng)
	if !ok {
		return
	}
	start := time.Now()
	status, key := s.send(ctx, http.MethodPost, "/cancellations/"+b.token, nil, nil)
	s.metrics.Cancel.Record(time.Since(start), status, key)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.take(rng)
	if !ok {
		return
	}
	req := api.RescheduleRequest{StartSlotID: s.pool.Slots[rng.Intn(len(s.pool.Slots))].String()}

	start := time.Now()
	status, key := s.send(ctx, http.MethodPost, "/appointments/"+b.id.String()+"/reschedule", req, nil)
	s.metrics.Reschedule.Record(time.Since(start), status, key)
	s.pool.add(b)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	from := time.Now().AddDate(0, 0, 2+rng.Intn(14))
	path := fmt.Sprintf("/availability/dates?from=%s&to=%s&treatment_type_id=%s",
		from.Format("2006-01-02"),
		from.AddDate(0, 0, 14).Format("2006-01-02"),
		s.pool.Treatments[rng.Intn(len(s.pool.Treatments))],
	)

	start := time.Now()
	status, key := s.send(ctx, http.MethodGet, path, nil, nil)
	s.metrics.Availability.Record(time.Since(start), status, key)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s  Workers: %d  Slots in play: %d\n\n", s.config.Duration, s.config.Workers, len(s.pool.Slots))

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel by token", &s.metrics.Cancel)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Availability", &s.metrics.Availability)
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

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d  Success: %d (%.1f%%)  Conflicts: %d (%.1f%%)  Errors: %d (%.1f%%)\n",
		total, success, pct(success), conflict, pct(conflict), failed, pct(failed))
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))

	om.mu.Lock()
	keys := make([]string, 0, len(om.keys))
	for k := range om.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-32s %d\n", k, om.keys[k])
	}
	om.mu.Unlock()
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
