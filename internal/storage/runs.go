package storage

import (
	"time"

	"cnnsvm/internal/common"
	"cnnsvm/internal/drift"
	"cnnsvm/internal/report"
)

// RunRecord summarises one completed pipeline run.
type RunRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	DataRoot   string         `json:"data_root"`
	ClassNames []string       `json:"class_names"`
	Sizes      map[string]int `json:"sizes"`
	TrainSplit string         `json:"train_split,omitempty"`
	TestSplit  string         `json:"test_split,omitempty"`

	Backend    string `json:"backend"`
	Device     string `json:"device"`
	FeatureDim int    `json:"feature_dim"`

	C              float64 `json:"c"`
	Gamma          float64 `json:"gamma"`
	SupportVectors int     `json:"support_vectors"`

	Accuracy float64        `json:"accuracy"`
	Report   *report.Report `json:"report,omitempty"`
	Drift    *drift.Result  `json:"drift,omitempty"`

	ClassifierPath string `json:"classifier_path"`
	ReportPath     string `json:"report_path"`

	ExtractDuration time.Duration `json:"extract_duration"`
	FitDuration     time.Duration `json:"fit_duration"`
}

// TrainSize is the number of training images. Records written before split
// names were stored count under the default split names.
func (r *RunRecord) TrainSize() int {
	if r.TrainSplit == "" {
		return r.Sizes[common.TrainSplit]
	}
	return r.Sizes[r.TrainSplit]
}

// TestSize is the number of evaluation images.
func (r *RunRecord) TestSize() int {
	if r.TestSplit == "" {
		return r.Sizes[common.TestSplit]
	}
	return r.Sizes[r.TestSplit]
}

// Duration is the wall time of the run.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
