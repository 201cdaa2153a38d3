package executor

import (
	"strings"
	"time"

	"jobmesh/internal/task"
)

// expandParams rewrites ${...} placeholders in every action parameter of
// t, which must already be a private copy. Unknown placeholders are kept.
func expandParams(t *task.Task, runID string, start, scheduled time.Time) {
	if scheduled.IsZero() {
		scheduled = start
	}
	r := strings.NewReplacer(
		"${task.id}", t.ID,
		"${task.name}", t.Name,
		"${task.org}", t.Org,
		"${run.id}", runID,
		"${run.start}", start.Format(time.RFC3339),
		"${run.date}", start.Format("2006-01-02"),
		"${scheduled}", scheduled.Format(time.RFC3339),
	)
	for i := range t.Actions {
		for k, v := range t.Actions[i].Params {
			if strings.Contains(v, "${") {
				t.Actions[i].Params[k] = r.Replace(v)
			}
		}
	}
}
