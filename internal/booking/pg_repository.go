package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/scheduling-engine/internal/interval"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	err := row.Scan(&c.ID, &c.Name, &c.Timezone, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string
	err := row.Scan(&p.ID, &p.ClinicID, &p.Name, &email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	p.Email = email
	return &p, nil
}

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	err := row.Scan(&r.ID, &r.ClinicID, &r.Kind, &r.Name, &r.Timezone, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}
	return &r, nil
}

func scanRule(row pgx.Row) (*SchedulingRule, error) {
	var r SchedulingRule
	var pb, pa, rb, ra, eb, ea, minNotice, maxHorizon int64
	var roomIDs []string
	var equipmentJSON []byte

	err := row.Scan(
		&r.ID,
		&r.ClinicID,
		&r.AppointmentType,
		&r.DurationMinutes,
		&pb, &pa, &rb, &ra, &eb, &ea,
		&minNotice,
		&maxHorizon,
		&r.RequiresRoom,
		&roomIDs,
		&equipmentJSON,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}

	r.ProviderBuffer = Buffer{Before: time.Duration(pb) * time.Second, After: time.Duration(pa) * time.Second}
	r.RoomBuffer = Buffer{Before: time.Duration(rb) * time.Second, After: time.Duration(ra) * time.Second}
	r.EquipmentBuffer = Buffer{Before: time.Duration(eb) * time.Second, After: time.Duration(ea) * time.Second}
	r.MinNotice = time.Duration(minNotice) * time.Second
	r.MaxHorizon = time.Duration(maxHorizon) * time.Second

	if r.EligibleRoomIDs, err = parseUUIDs(roomIDs); err != nil {
		return nil, fmt.Errorf("parse eligible_room_ids: %w", err)
	}
	if err := json.Unmarshal(equipmentJSON, &r.Equipment); err != nil {
		return nil, fmt.Errorf("parse equipment requirements: %w", err)
	}
	return &r, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var roomID *uuid.UUID
	var equipmentIDs []string

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.ProviderID,
		&roomID,
		&equipmentIDs,
		&a.AppointmentType,
		&a.StartsAt,
		&a.EndsAt,
		&a.Status,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.RoomID = roomID
	if a.EquipmentIDs, err = parseUUIDs(equipmentIDs); err != nil {
		return nil, fmt.Errorf("parse equipment_ids: %w", err)
	}
	return &a, nil
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

const appointmentColumns = `
	id, clinic_id, patient_id, provider_id, room_id, equipment_ids::text[],
	appointment_type, starts_at, ends_at, status, version, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, timezone, created_at, updated_at
		FROM clinics
		WHERE id = $1
	`, id)
	return scanClinic(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, clinic_id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetResourceByID(ctx context.Context, id uuid.UUID) (*Resource, error) {
	resources, err := r.GetResourcesByIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, ErrResourceNotFound
	}
	return resources[0], nil
}

func (r *PgRepository) GetResourcesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, clinic_id, kind, name, timezone, active, created_at, updated_at
		FROM resources
		WHERE id = ANY($1::uuid[])
	`, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []*Resource
	byID := make(map[uuid.UUID]*Resource)
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
		byID[res.ID] = res
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.hydrateSchedules(ctx, byID); err != nil {
		return nil, err
	}
	return resources, nil
}

func (r *PgRepository) hydrateSchedules(ctx context.Context, byID map[uuid.UUID]*Resource) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id.String())
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, resource_id, weekday, start_minute, end_minute, effective_from, effective_to
		FROM availability_templates
		WHERE resource_id = ANY($1::uuid[])
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tpl AvailabilityTemplate
		var weekday int16
		if err := rows.Scan(&tpl.ID, &tpl.ResourceID, &weekday, &tpl.StartMinute, &tpl.EndMinute, &tpl.EffectiveFrom, &tpl.EffectiveTo); err != nil {
			return err
		}
		tpl.Weekday = time.Weekday(weekday)
		if res, ok := byID[tpl.ResourceID]; ok {
			res.Templates = append(res.Templates, tpl)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	exRows, err := r.pool.Query(ctx, `
		SELECT id, resource_id, starts_at, ends_at, reason
		FROM availability_exceptions
		WHERE resource_id = ANY($1::uuid[])
	`, ids)
	if err != nil {
		return err
	}
	defer exRows.Close()

	for exRows.Next() {
		var ex AvailabilityException
		if err := exRows.Scan(&ex.ID, &ex.ResourceID, &ex.StartsAt, &ex.EndsAt, &ex.Reason); err != nil {
			return err
		}
		if res, ok := byID[ex.ResourceID]; ok {
			res.Exceptions = append(res.Exceptions, ex)
		}
	}
	return exRows.Err()
}

func (r *PgRepository) GetRuleByClinicAndType(ctx context.Context, clinicID uuid.UUID, appointmentType string) (*SchedulingRule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, clinic_id, appointment_type, duration_minutes,
		       provider_buffer_before, provider_buffer_after,
		       room_buffer_before, room_buffer_after,
		       equipment_buffer_before, equipment_buffer_after,
		       min_notice, max_horizon, requires_room,
		       eligible_room_ids::text[], equipment, updated_at
		FROM scheduling_rules
		WHERE clinic_id = $1 AND appointment_type = $2
	`, clinicID, appointmentType)
	return scanRule(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY starts_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *PgRepository) ListActiveAppointmentsInRange(ctx context.Context, resourceID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+appointmentColumnsAliased("a")+`
		FROM appointment_resources ar
		JOIN appointments a ON a.id = ar.appointment_id
		WHERE ar.resource_id = $1
		  AND ar.starts_at < $3
		  AND ar.ends_at > $2
		  AND a.status IN ('scheduled', 'checked_in', 'in_progress')
		ORDER BY a.starts_at
	`, resourceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func appointmentColumnsAliased(alias string) string {
	return fmt.Sprintf(`
	%[1]s.id, %[1]s.clinic_id, %[1]s.patient_id, %[1]s.provider_id, %[1]s.room_id,
	%[1]s.equipment_ids::text[], %[1]s.appointment_type, %[1]s.starts_at, %[1]s.ends_at,
	%[1]s.status, %[1]s.version, %[1]s.created_at, %[1]s.updated_at`, alias)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// WithResourceLocks opens one transaction, takes FOR UPDATE row locks on
// the referenced resources in the order given (callers pass the global
// lock order), and runs fn. Serialization and deadlock failures map to
// ErrTransient so the engine can retry.
func (r *PgRepository) WithResourceLocks(ctx context.Context, refs []ResourceRef, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapPgError(fmt.Errorf("begin commit transaction: %w", err))
	}
	defer pgtx.Rollback(ctx)

	for _, ref := range refs {
		var locked uuid.UUID
		err := pgtx.QueryRow(ctx, `
			SELECT id FROM resources WHERE id = $1 FOR UPDATE
		`, ref.ID).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("resource %s: %w", ref.ID, ErrResourceNotFound)
			}
			return mapPgError(fmt.Errorf("lock resource %s: %w", ref.ID, err))
		}
	}

	if err := fn(ctx, &pgTx{tx: pgtx}); err != nil {
		return mapPgError(err)
	}

	if err := pgtx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// mapPgError folds retryable Postgres failures into ErrTransient:
// 40001 serialization_failure, 40P01 deadlock_detected, 55P03
// lock_not_available.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ListActiveOverlapping(ctx context.Context, resourceID uuid.UUID, span interval.Interval) ([]Appointment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT`+appointmentColumnsAliased("a")+`
		FROM appointment_resources ar
		JOIN appointments a ON a.id = ar.appointment_id
		WHERE ar.resource_id = $1
		  AND ar.starts_at < $3
		  AND ar.ends_at > $2
		  AND a.status IN ('scheduled', 'checked_in', 'in_progress')
	`, resourceID, span.Start, span.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (t *pgTx) InsertAppointment(ctx context.Context, appt *Appointment) error {
	now := time.Now()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, clinic_id, patient_id, provider_id, room_id, equipment_ids,
			 appointment_type, starts_at, ends_at, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::uuid[], $7, $8, $9, $10, $11, now(), now())
	`, appt.ID, appt.ClinicID, appt.PatientID, appt.ProviderID, appt.RoomID,
		uuidStrings(appt.EquipmentIDs), appt.AppointmentType, appt.StartsAt, appt.EndsAt,
		appt.Status, appt.Version)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}

	return t.syncResourceIndex(ctx, appt)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, appt *Appointment, expectedVersion int64) error {
	var newVersion int64
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET provider_id = $2,
		    room_id = $3,
		    equipment_ids = $4::uuid[],
		    appointment_type = $5,
		    starts_at = $6,
		    ends_at = $7,
		    status = $8,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $9
		RETURNING version
	`, appt.ID, appt.ProviderID, appt.RoomID, uuidStrings(appt.EquipmentIDs),
		appt.AppointmentType, appt.StartsAt, appt.EndsAt, appt.Status, expectedVersion).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.classifyMissingUpdate(ctx, appt.ID)
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	appt.Version = newVersion

	return t.syncResourceIndex(ctx, appt)
}

// classifyMissingUpdate distinguishes a vanished row from a version
// mismatch after a guarded UPDATE touched nothing.
func (t *pgTx) classifyMissingUpdate(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return fmt.Errorf("classify stale update: %w", err)
	}
	if !exists {
		return ErrAppointmentNotFound
	}
	return ErrStaleVersion
}

// syncResourceIndex rewrites the per-resource interval rows. Inactive
// appointments drop out of the index entirely so reads never need a
// status filter to exclude them, though queries keep one as a belt.
func (t *pgTx) syncResourceIndex(ctx context.Context, appt *Appointment) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM appointment_resources WHERE appointment_id = $1
	`, appt.ID); err != nil {
		return fmt.Errorf("clear resource index: %w", err)
	}

	if !appt.Status.IsActive() {
		return nil
	}

	for _, ref := range appt.ResourceIDs() {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO appointment_resources (appointment_id, resource_id, starts_at, ends_at)
			VALUES ($1, $2, $3, $4)
		`, appt.ID, ref.ID, appt.StartsAt, appt.EndsAt); err != nil {
			return fmt.Errorf("index resource %s: %w", ref.ID, err)
		}
	}
	return nil
}
