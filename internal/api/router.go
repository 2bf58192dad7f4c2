package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/scheduling-engine/internal/availability"
	"github.com/clinicore/scheduling-engine/internal/booking"
)

type RouterConfig struct {
	Booking      *booking.Service
	Availability *availability.Service
	Directory    ResourceDirectory
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	validate := validator.New()

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/clinics/{clinicID}/providers/{providerID}/slots", computeSlotsHandler(cfg.Availability, cfg.Directory))

	r.Post("/appointments", commitAppointmentHandler(cfg.Booking, validate))
	r.Get("/appointments", listAppointmentsHandler(cfg.Booking))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Booking))
	r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Booking, validate))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Booking, validate))

	return r
}
