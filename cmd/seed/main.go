package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/hackgods/reservation-engine/internal/booking"
	"github.com/hackgods/reservation-engine/internal/bootstrap"
	"github.com/hackgods/reservation-engine/internal/config"
	"github.com/hackgods/reservation-engine/internal/logger"
)

type seedConfig struct {
	Services    int `envconfig:"SERVICES" default:"25"`
	Days        int `envconfig:"DAYS" default:"14"`
	SlotsPerDay int `envconfig:"SLOTS_PER_DAY" default:"8"`
	FirstHour   int `envconfig:"FIRST_HOUR" default:"9"`
}

var serviceKinds = []string{
	"Guided kayak tour",
	"Sourdough workshop",
	"Portrait session",
	"Wine tasting",
	"Climbing intro",
	"Language exchange",
	"Yoga flow",
	"City food walk",
	"Pottery wheel class",
	"Bike repair clinic",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load error", zap.Error(err))
	}
	var sc seedConfig
	if err := envconfig.Process("SEED", &sc); err != nil {
		zap.NewExample().Fatal("seed config error", zap.Error(err))
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("seed starting",
		zap.Int("services", sc.Services),
		zap.Int("days", sc.Days),
		zap.Int("slots_per_day", sc.SlotsPerDay))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("store open error", zap.Error(err))
	}
	defer store.Close()

	gofakeit.Seed(time.Now().UnixNano())

	firstDay := booking.DateOnly(time.Now().UTC().AddDate(0, 0, 1))
	for i := 0; i < sc.Services; i++ {
		svc, err := seedService(ctx, store.Repo)
		if err != nil {
			log.Fatal("seed service", zap.Error(err))
		}
		slots, err := seedCalendar(ctx, store.Repo, svc, firstDay, sc)
		if err != nil {
			log.Fatal("seed calendar", zap.String("service_id", svc.ID.String()), zap.Error(err))
		}
		log.Info("service seeded",
			zap.String("service_id", svc.ID.String()),
			zap.String("title", svc.Title),
			zap.Int("slots", slots))
	}

	log.Info("seed complete")
}

func seedService(ctx context.Context, repo booking.Repository) (*booking.Service, error) {
	kinds := []booking.SessionKind{booking.SessionGroup, booking.SessionPrivate, booking.SessionSelfGuided}
	online := gofakeit.Number(0, 3) == 0

	svc := &booking.Service{
		Title:           serviceKinds[gofakeit.Number(0, len(serviceKinds)-1)] + " with " + gofakeit.FirstName(),
		Amount:          int64(gofakeit.Number(15, 180)) * 100,
		Currency:        "EUR",
		Pricing:         booking.PricingFixed,
		DurationMinutes: 60,
		SessionKind:     kinds[gofakeit.Number(0, len(kinds)-1)],
		IsActive:        true,
		IsOnline:        online,
	}
	if svc.SessionKind == booking.SessionGroup {
		capacity := gofakeit.Number(4, 16)
		svc.Capacity = &capacity
	}

	var err error
	if online {
		svc.VirtualMeetingDetails, err = json.Marshal(map[string]string{"url": gofakeit.URL()})
	} else {
		svc.Location, err = json.Marshal(map[string]string{
			"street": gofakeit.Street(),
			"city":   gofakeit.City(),
		})
	}
	if err != nil {
		return nil, err
	}

	return svc, repo.CreateService(ctx, svc)
}

// seedCalendar creates one availability per day with back-to-back hourly
// slots. Roughly one day in seven is closed.
func seedCalendar(ctx context.Context, repo booking.Repository, svc *booking.Service, firstDay time.Time, sc seedConfig) (int, error) {
	created := 0
	for d := 0; d < sc.Days; d++ {
		day := firstDay.AddDate(0, 0, d)
		avail := &booking.Availability{
			ServiceID:  svc.ID,
			Date:       day,
			IsBookable: gofakeit.Number(0, 6) != 0,
		}
		if err := repo.CreateAvailability(ctx, avail); err != nil {
			return created, err
		}

		for s := 0; s < sc.SlotsPerDay; s++ {
			start := day.Add(time.Duration(sc.FirstHour+s) * time.Hour)
			slot := &booking.TimeSlot{
				AvailabilityID: avail.ID,
				StartTime:      start,
				EndTime:        start.Add(time.Duration(svc.DurationMinutes) * time.Minute),
				Status:         booking.SlotAvailable,
			}
			if err := repo.CreateTimeSlot(ctx, slot); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}
