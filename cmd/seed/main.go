package main

import (
	"context"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/webcuts/orthopaedie-booking/internal/appointment"
	"github.com/webcuts/orthopaedie-booking/internal/config"
	"github.com/webcuts/orthopaedie-booking/internal/db"
	"github.com/webcuts/orthopaedie-booking/internal/logging"
)

type treatmentSeed struct {
	name     string
	minutes  int
	practice bool
}

var treatments = []treatmentSeed{
	{"Erstuntersuchung", 30, false},
	{"Kontrolltermin", 10, false},
	{"Sportorthopädische Beratung", 20, false},
	{"Stoßwellentherapie", 20, false},
	{"Injektion", 10, false},
	{"Verbandswechsel", 10, true},
	{"Blutabnahme", 10, true},
	{"Röntgen", 20, true},
}

var specialties = []string{
	"Kniechirurgie",
	"Wirbelsäule",
	"Sportorthopädie",
	"Fuß- und Sprunggelenk",
	"Schulter",
	"Kinderorthopädie",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "booking-seed"})
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	faker := gofakeit.New(0)

	providers, err := seedProviders(ctx, pool, faker, 6)
	if err != nil {
		logger.Fatal("seed providers", zap.Error(err))
	}
	if err := seedTreatments(ctx, pool); err != nil {
		logger.Fatal("seed treatment types", zap.Error(err))
	}
	if err := seedTemplates(ctx, pool, providers, cfg.Location.String()); err != nil {
		logger.Fatal("seed slot templates", zap.Error(err))
	}
	if err := seedPatients(ctx, pool, faker, 2000, logger); err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}

	created, err := appointment.NewPgRepository(pool).GenerateSlots(ctx, cfg.SlotGenerationWeeks)
	if err != nil {
		logger.Fatal("generate slots", zap.Error(err))
	}

	logger.Info("seed complete",
		zap.Int("providers", len(providers)),
		zap.Int("treatment_types", len(treatments)),
		zap.Int("slots", created),
	)
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, count)
	batch := &pgx.Batch{}
	for i := range ids {
		ids[i] = uuid.New()
		name := "Dr. " + faker.FirstName() + " " + faker.LastName()
		spec := specialties[faker.Number(0, len(specialties)-1)]
		batch.Queue(`
			INSERT INTO providers (id, name, specialty, active, created_at, updated_at)
			VALUES ($1, $2, $3, true, now(), now())
		`, ids[i], name, spec)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedTreatments(ctx context.Context, pool *pgxpool.Pool) error {
	batch := &pgx.Batch{}
	for _, t := range treatments {
		batch.Queue(`
			INSERT INTO treatment_types (id, name, duration_minutes, practice_service)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), t.name, t.minutes, t.practice)
	}
	return pool.SendBatch(ctx, batch).Close()
}

// seedTemplates opens every provider Monday to Friday 08:00-12:00 and
// Monday, Tuesday and Thursday 14:00-18:00. Friday afternoons are private
// consultations. The practice service runs 07:30-12:00 on weekdays.
func seedTemplates(ctx context.Context, pool *pgxpool.Pool, providers []uuid.UUID, tz string) error {
	const insert = `
		INSERT INTO slot_templates (provider_id, iso_weekday, start_time, end_time, private_only, time_zone)
		VALUES ($1, $2, $3::time, $4::time, $5, $6)
	`
	batch := &pgx.Batch{}
	for _, id := range providers {
		for day := 1; day <= 5; day++ {
			batch.Queue(insert, id, day, "08:00", "12:00", false, tz)
		}
		for _, day := range []int{1, 2, 4} {
			batch.Queue(insert, id, day, "14:00", "18:00", false, tz)
		}
		batch.Queue(insert, id, 5, "13:00", "15:00", true, tz)
	}
	for day := 1; day <= 5; day++ {
		batch.Queue(insert, nil, day, "07:30", "12:00", false, tz)
	}
	return pool.SendBatch(ctx, batch).Close()
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, logger *zap.Logger) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			insurance := appointment.InsurancePublic
			if faker.Number(1, 10) <= 2 {
				insurance = appointment.InsurancePrivate
			}
			batch.Queue(`
				INSERT INTO patients (id, first_name, last_name, email, phone, insurance, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			`, uuid.New(), faker.FirstName(), faker.LastName(), faker.Email(), faker.Phone(), string(insurance))
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		logger.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}
	return nil
}
