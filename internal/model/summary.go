package model

import "time"

type SkippedPatient struct {
	PatientID string `json:"patient_id"`
	Reason    string `json:"reason"`
}

// Summary is the outcome of one analysis pass for a doctor. Generated holds
// only alerts persisted during this pass.
type Summary struct {
	DoctorID         string           `json:"doctor_id"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	PatientsAnalyzed int              `json:"patients_analyzed"`
	Generated        []Alert          `json:"generated"`
	Skipped          []SkippedPatient `json:"skipped"`
	Suppressed       int              `json:"suppressed"`
}
