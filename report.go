package dirvault

import (
	"github.com/sirupsen/logrus"
)

// Action labels one per-path operation on the report.
type Action string

const (
	ActionAddDir     Action = "ADD DIR"
	ActionCopyFile   Action = "COPY FILE"
	ActionRemoveDir  Action = "REMOVE DIR"
	ActionRemoveFile Action = "REMOVE FILE"

	// ActionCheck records a verification outcome rather than a mutation.
	ActionCheck Action = "CHECK"
)

// Record is one structured entry on the report sink: the action attempted,
// the logical path, and the error if the action failed.
type Record struct {
	Action Action
	Path   Path
	Err    error
}

// Report is the single sink receiving per-operation records during a sync.
// Consumers project whatever view they need (failures, counts, rendered
// lines). Records are also rendered through the logger as they arrive.
type Report struct {
	log     logrus.FieldLogger
	records []Record
}

// NewReport builds a report rendering through log. A nil log discards the
// rendering and only accumulates records.
func NewReport(log logrus.FieldLogger) *Report {
	return &Report{log: log}
}

// Log records the outcome of one operation.
func (r *Report) Log(action Action, p Path, err error) {
	r.records = append(r.records, Record{Action: action, Path: p, Err: err})
	if r.log == nil {
		return
	}
	if err != nil {
		r.log.Errorf("%s: %s -> ERROR: %v", action, p, err)
	} else {
		r.log.Infof("%s: %s", action, p)
	}
}

// Records returns every record in arrival order.
func (r *Report) Records() []Record { return r.records }

// Failures projects the records with a non-nil error.
func (r *Report) Failures() []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.Err != nil {
			out = append(out, rec)
		}
	}
	return out
}

// Len reports the number of records.
func (r *Report) Len() int { return len(r.records) }
