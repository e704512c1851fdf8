// Package analysis runs one package end to end: fetch, download,
// collect, evaluate, persist.
package analysis

import (
	"time"

	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/evaluators"
	"github.com/npmlens/npmlens/internal/store"
)

// ErrorInfo records why an analysis failed permanently.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Doc is the stored result of one analysis. Exactly one of
// Collected+Evaluation or Error is present.
type Doc struct {
	store.Meta

	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Collected  *collectors.Collected  `json:"collected,omitempty"`
	Evaluation *evaluators.Evaluation `json:"evaluation,omitempty"`
	Error      *ErrorInfo             `json:"error,omitempty"`
}

// Succeeded reports whether the analysis produced an evaluation.
func (d *Doc) Succeeded() bool {
	return d.Error == nil && d.Evaluation != nil
}
