package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clinicore/scheduling-engine/internal/availability"
	"github.com/clinicore/scheduling-engine/internal/booking"
	"github.com/clinicore/scheduling-engine/internal/interval"
)

// ResourceDirectory is the slice of the repository the boundary needs to
// turn provider-local date parameters into absolute instants. All
// conversion happens here; the core only ever sees absolute time.
type ResourceDirectory interface {
	GetResourceByID(ctx context.Context, id uuid.UUID) (*booking.Resource, error)
}

func computeSlotsHandler(avail *availability.Service, dir ResourceDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID, err := uuid.Parse(chi.URLParam(r, "clinicID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinicID must be a valid UUID")
			return
		}
		providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "providerID must be a valid UUID")
			return
		}

		q := r.URL.Query()
		appointmentType := q.Get("type")
		if appointmentType == "" {
			writeError(w, http.StatusBadRequest, "missing_type", "type query parameter is required")
			return
		}
		var durationMinutes int
		if _, err := fmt.Sscanf(q.Get("duration_minutes"), "%d", &durationMinutes); err != nil || durationMinutes <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration", "duration_minutes must be a positive integer")
			return
		}

		provider, err := dir.GetResourceByID(r.Context(), providerID)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		loc, err := time.LoadLocation(provider.Timezone)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "provider timezone is invalid")
			return
		}

		from, err := parseRangeParam(q.Get("from"), loc, false)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", err.Error())
			return
		}
		to, err := parseRangeParam(q.Get("to"), loc, true)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_to", err.Error())
			return
		}

		res, err := avail.ComputeSlots(r.Context(), availability.Query{
			ClinicID:        clinicID,
			ProviderID:      providerID,
			From:            from,
			To:              to,
			AppointmentType: appointmentType,
			DurationMinutes: durationMinutes,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := ComputeSlotsResponse{
			Timezone:        res.Timezone,
			Slots:           make([]SlotResponse, 0, len(res.Slots)),
			RuleFingerprint: res.RuleFingerprint,
		}
		for _, slot := range res.Slots {
			resp.Slots = append(resp.Slots, SlotResponse{
				Start:        slot.Start,
				RoomID:       slot.RoomID,
				EquipmentIDs: slot.EquipmentIDs,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// parseRangeParam accepts RFC3339 instants or bare YYYY-MM-DD dates. Bare
// dates are interpreted in the provider's zone; an end-of-range date
// means the end of that local day.
func parseRangeParam(value string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("from and to query parameters are required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", value)
	}
	if endOfDay {
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	}
	return day, nil
}

func commitAppointmentHandler(svc *booking.Service, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CommitAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		commitReq, err := toCommitRequest(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		appt, err := svc.Commit(r.Context(), commitReq)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *booking.Service, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		commitReq, err := toCommitRequest(req.CommitAppointmentRequest)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, req.ExpectedVersion, commitReq)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *booking.Service, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		appt, err := svc.Cancel(r.Context(), id, req.ExpectedVersion)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleBookingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		patientID, err := uuid.Parse(q.Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id query parameter must be a valid UUID")
			return
		}

		var limit, offset int
		fmt.Sscanf(q.Get("limit"), "%d", &limit)
		fmt.Sscanf(q.Get("offset"), "%d", &offset)

		appts, err := svc.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func toCommitRequest(req CommitAppointmentRequest) (booking.CommitRequest, error) {
	out := booking.CommitRequest{
		AppointmentType: req.AppointmentType,
		StartsAt:        req.StartsAt,
		EndsAt:          req.EndsAt,
	}

	var err error
	if out.ClinicID, err = uuid.Parse(req.ClinicID); err != nil {
		return out, fmt.Errorf("clinic_id: %w", err)
	}
	if out.PatientID, err = uuid.Parse(req.PatientID); err != nil {
		return out, fmt.Errorf("patient_id: %w", err)
	}
	if out.ProviderID, err = uuid.Parse(req.ProviderID); err != nil {
		return out, fmt.Errorf("provider_id: %w", err)
	}
	if req.RoomID != nil {
		roomID, err := uuid.Parse(*req.RoomID)
		if err != nil {
			return out, fmt.Errorf("room_id: %w", err)
		}
		out.RoomID = &roomID
	}
	for _, raw := range req.EquipmentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return out, fmt.Errorf("equipment_ids: %w", err)
		}
		out.EquipmentIDs = append(out.EquipmentIDs, id)
	}
	return out, nil
}

func toAppointmentResponse(appt *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              appt.ID,
		ClinicID:        appt.ClinicID,
		PatientID:       appt.PatientID,
		ProviderID:      appt.ProviderID,
		RoomID:          appt.RoomID,
		EquipmentIDs:    appt.EquipmentIDs,
		AppointmentType: appt.AppointmentType,
		StartsAt:        appt.StartsAt,
		EndsAt:          appt.EndsAt,
		Status:          string(appt.Status),
		Version:         appt.Version,
	}
}

func handleBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interval.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, booking.ErrRuleViolation):
		writeError(w, http.StatusBadRequest, "rule_violation", err.Error())
	case errors.Is(err, booking.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, booking.ErrStaleVersion):
		writeError(w, http.StatusConflict, "stale_version", err.Error())
	case errors.Is(err, booking.ErrClinicNotFound),
		errors.Is(err, booking.ErrPatientNotFound),
		errors.Is(err, booking.ErrResourceNotFound),
		errors.Is(err, booking.ErrRuleNotFound),
		errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, booking.ErrCommitTimeout):
		writeError(w, http.StatusGatewayTimeout, "commit_timeout", err.Error())
	case errors.Is(err, booking.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "transient_failure", "please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
