package api

import (
	"time"

	"github.com/google/uuid"
)

type CommitAppointmentRequest struct {
	ClinicID        string    `json:"clinic_id" validate:"required,uuid"`
	PatientID       string    `json:"patient_id" validate:"required,uuid"`
	ProviderID      string    `json:"provider_id" validate:"required,uuid"`
	RoomID          *string   `json:"room_id,omitempty" validate:"omitempty,uuid"`
	EquipmentIDs    []string  `json:"equipment_ids,omitempty" validate:"dive,uuid"`
	AppointmentType string    `json:"appointment_type" validate:"required"`
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	EndsAt          time.Time `json:"ends_at" validate:"required"`
}

type RescheduleAppointmentRequest struct {
	ExpectedVersion int64 `json:"expected_version" validate:"required,gt=0"`
	CommitAppointmentRequest
}

type CancelAppointmentRequest struct {
	ExpectedVersion int64 `json:"expected_version" validate:"required,gt=0"`
}

type AppointmentResponse struct {
	ID              uuid.UUID   `json:"id"`
	ClinicID        uuid.UUID   `json:"clinic_id"`
	PatientID       uuid.UUID   `json:"patient_id"`
	ProviderID      uuid.UUID   `json:"provider_id"`
	RoomID          *uuid.UUID  `json:"room_id,omitempty"`
	EquipmentIDs    []uuid.UUID `json:"equipment_ids,omitempty"`
	AppointmentType string      `json:"appointment_type"`
	StartsAt        time.Time   `json:"starts_at"`
	EndsAt          time.Time   `json:"ends_at"`
	Status          string      `json:"status"`
	Version         int64       `json:"version"`
}

type SlotResponse struct {
	Start        time.Time   `json:"start"`
	RoomID       *uuid.UUID  `json:"room_id,omitempty"`
	EquipmentIDs []uuid.UUID `json:"equipment_ids,omitempty"`
}

type ComputeSlotsResponse struct {
	Timezone        string         `json:"timezone"`
	Slots           []SlotResponse `json:"slots"`
	RuleFingerprint string         `json:"rule_fingerprint"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
