package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/scheduling-engine/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.ApplySchema(context.Background(), pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	log.Println("schema applied")

	gofakeit.Seed(time.Now().UnixNano())

	clinicID, err := seedClinic(context.Background(), pool)
	if err != nil {
		log.Fatalf("seed clinic: %v", err)
	}
	providerIDs, err := seedResources(context.Background(), pool, clinicID, "provider", 20)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	roomIDs, err := seedResources(context.Background(), pool, clinicID, "room", 8)
	if err != nil {
		log.Fatalf("seed rooms: %v", err)
	}
	equipmentIDs, err := seedResources(context.Background(), pool, clinicID, "equipment", 6)
	if err != nil {
		log.Fatalf("seed equipment: %v", err)
	}
	if err := seedTemplates(context.Background(), pool, append(append(providerIDs, roomIDs...), equipmentIDs...)); err != nil {
		log.Fatalf("seed templates: %v", err)
	}
	if err := seedRules(context.Background(), pool, clinicID, roomIDs, equipmentIDs); err != nil {
		log.Fatalf("seed rules: %v", err)
	}
	if err := seedPatients(context.Background(), pool, clinicID, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool) (uuid.UUID, error) {
	id := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO clinics (id, name, timezone, created_at, updated_at)
		VALUES ($1, $2, 'America/New_York', now(), now())
	`, id, gofakeit.Company()+" Clinic")
	if err != nil {
		return uuid.Nil, err
	}
	log.Printf("clinic seeded id=%s", id)
	return id, nil
}

func seedResources(ctx context.Context, pool *pgxpool.Pool, clinicID uuid.UUID, kind string, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d %s resources", count, kind)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		var name string
		switch kind {
		case "provider":
			name = "Dr. " + gofakeit.Name()
		case "room":
			name = gofakeit.Word() + " Room"
		default:
			name = gofakeit.Product().Name
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO resources (id, clinic_id, kind, name, timezone, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'America/New_York', TRUE, now(), now())
		`, id, clinicID, kind, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// seedTemplates gives every resource a Monday-to-Friday 09:00-17:00 week.
func seedTemplates(ctx context.Context, pool *pgxpool.Pool, resourceIDs []uuid.UUID) error {
	log.Printf("seeding templates for %d resources", len(resourceIDs))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	effectiveFrom := time.Now().AddDate(0, -1, 0)
	for _, resourceID := range resourceIDs {
		for weekday := 1; weekday <= 5; weekday++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO availability_templates
					(id, resource_id, weekday, start_minute, end_minute, effective_from, effective_to)
				VALUES ($1, $2, $3, $4, $5, $6, NULL)
			`, uuid.New(), resourceID, weekday, 9*60, 17*60, effectiveFrom)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

func seedRules(ctx context.Context, pool *pgxpool.Pool, clinicID uuid.UUID, roomIDs, equipmentIDs []uuid.UUID) error {
	log.Println("seeding scheduling rules")

	type ruleDef struct {
		appointmentType string
		duration        int
		bufferAfter     int64 // seconds, provider calendar
		requiresRoom    bool
	}
	defs := []ruleDef{
		{"consultation", 30, 0, false},
		{"procedure", 60, 15 * 60, true},
		{"imaging", 45, 10 * 60, true},
	}

	for _, def := range defs {
		equipment := "[]"
		if def.appointmentType == "imaging" && len(equipmentIDs) > 0 {
			ids := `["` + equipmentIDs[0].String() + `"`
			for _, id := range equipmentIDs[1:] {
				ids += `,"` + id.String() + `"`
			}
			ids += `]`
			equipment = `[{"Kind":"scanner","EligibleIDs":` + ids + `}]`
		}

		rooms := make([]string, len(roomIDs))
		for i, id := range roomIDs {
			rooms[i] = id.String()
		}

		_, err := pool.Exec(ctx, `
			INSERT INTO scheduling_rules
				(id, clinic_id, appointment_type, duration_minutes,
				 provider_buffer_before, provider_buffer_after,
				 room_buffer_before, room_buffer_after,
				 equipment_buffer_before, equipment_buffer_after,
				 min_notice, max_horizon, requires_room, eligible_room_ids, equipment, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, 0, 300, 0, 0, 3600, $6, $7, $8::uuid[], $9::jsonb, now())
			ON CONFLICT (clinic_id, appointment_type) DO NOTHING
		`, uuid.New(), clinicID, def.appointmentType, def.duration, def.bufferAfter,
			int64(90*24*3600), def.requiresRoom, rooms, equipment)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, clinicID uuid.UUID, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, clinic_id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), clinicID, gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	return nil
}
