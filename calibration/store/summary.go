package store

import (
	"time"
)

// Summary is the record of one calibration run written next to the parameter documents.
type Summary struct {
	RunID    string        `json:"run_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Units    []UnitSummary `json:"units"`
	// Intrinsics and Extrinsics map each succeeded camera and pair to its reprojection error.
	Intrinsics map[string]float64 `json:"intrinsics_reprojection_errors"`
	Extrinsics map[string]float64 `json:"extrinsics_reprojection_errors"`
}

// UnitSummary is the outcome of one camera or pair.
type UnitSummary struct {
	ID                string  `json:"id"`
	Kind              string  `json:"kind"`
	State             string  `json:"state"`
	Error             string  `json:"error,omitempty"`
	Warning           string  `json:"warning,omitempty"`
	ReprojectionError float64 `json:"reprojection_error,omitempty"`
	SamplesUsed       int     `json:"samples_used,omitempty"`
	RejectedFrames    []int   `json:"rejected_frames,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds"`
}
