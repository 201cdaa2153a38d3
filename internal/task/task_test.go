package task

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"jobmesh/internal/recurrence"
)

func sample() Task {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return Task{
		ID:   "report",
		Org:  "acme",
		Name: "Daily report",
		Conditions: []Condition{
			{ID: "c1", Recurrence: &recurrence.Spec{Kind: recurrence.KindEveryWeek, Start: recurrence.NewClock(9, 0, 0), Weekdays: []time.Weekday{time.Monday}}},
			{ID: "c2", Completion: &CompletionSignal{TaskID: "extract"}},
		},
		Actions: []Action{
			{ID: "a1", Kind: "shell", Params: map[string]string{"cmd": "echo ${task.id}"}},
			{ID: "a2", Kind: ActionChain, Params: map[string]string{"task": "publish"}},
		},
		Enabled:   true,
		StartDate: &start,
		Notify:    NotifyPolicy{OnFailure: true, Recipients: []string{"ops"}},
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := sample()
	c := orig.Clone()

	c.Actions[0].Params["cmd"] = "rm -rf /"
	c.Conditions[0].Recurrence.Weekdays[0] = time.Sunday
	c.Conditions[1].Completion.Satisfied = true
	*c.StartDate = c.StartDate.Add(time.Hour)
	c.Notify.Recipients[0] = "nobody"

	if orig.Actions[0].Params["cmd"] != "echo ${task.id}" {
		t.Fatalf("params leaked: %q", orig.Actions[0].Params["cmd"])
	}
	if orig.Conditions[0].Recurrence.Weekdays[0] != time.Monday {
		t.Fatalf("weekdays leaked")
	}
	if orig.Conditions[1].Completion.Satisfied {
		t.Fatalf("completion leaked")
	}
	if orig.StartDate.Hour() != 0 {
		t.Fatalf("start date leaked")
	}
	if orig.Notify.Recipients[0] != "ops" {
		t.Fatalf("recipients leaked")
	}
}

func TestDependencies(t *testing.T) {
	t.Parallel()

	got := sample().Dependencies()
	if want := []string{"extract", "publish"}; !slices.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := sample().Validate(); err != nil {
		t.Fatalf("valid task: %v", err)
	}

	self := sample()
	self.Conditions[1].Completion.TaskID = self.ID
	if err := self.Validate(); !errors.Is(err, ErrSelfDependency) {
		t.Fatalf("self dependency: %v", err)
	}

	bad := sample()
	bad.Conditions[0].Recurrence.Kind = "sometimes"
	if err := bad.Validate(); !errors.Is(err, recurrence.ErrUnknownKind) {
		t.Fatalf("unknown kind: %v", err)
	}

	both := sample()
	both.Conditions[0].Completion = &CompletionSignal{TaskID: "x"}
	if err := both.Validate(); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("both set: %v", err)
	}
}

func TestOnlyCompletion(t *testing.T) {
	t.Parallel()

	tk := sample()
	if tk.OnlyCompletion() {
		t.Fatalf("mixed conditions")
	}
	tk.Conditions = tk.Conditions[1:]
	if !tk.OnlyCompletion() || tk.AnySatisfied() {
		t.Fatalf("completion only, unsatisfied")
	}
	tk.Conditions[0].Completion.Satisfied = true
	if !tk.AnySatisfied() {
		t.Fatalf("satisfied")
	}
}

func TestTimeRange(t *testing.T) {
	t.Parallel()

	night := TimeRange{Name: "night", Start: recurrence.NewClock(22, 0, 0), End: recurrence.NewClock(2, 0, 0)}
	day := TimeRange{Name: "day", Start: recurrence.NewClock(9, 0, 0), End: recurrence.NewClock(10, 0, 0)}

	tests := []struct {
		r    TimeRange
		c    recurrence.Clock
		want bool
	}{
		{night, recurrence.NewClock(23, 0, 0), true},
		{night, recurrence.NewClock(1, 59, 0), true},
		{night, recurrence.NewClock(2, 0, 0), false},
		{night, recurrence.NewClock(12, 0, 0), false},
		{day, recurrence.NewClock(9, 0, 0), true},
		{day, recurrence.NewClock(10, 0, 0), false},
	}
	for _, tt := range tests {
		if got := tt.r.Contains(tt.c); got != tt.want {
			t.Fatalf("%s contains %s = %v", tt.r.Name, tt.c, got)
		}
	}
	if night.Minutes() != 240 || day.Minutes() != 60 {
		t.Fatalf("minutes night=%d day=%d", night.Minutes(), day.Minutes())
	}
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()

	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1m30s","b":5}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A.Std() != 90*time.Second || v.B.Std() != 5*time.Second {
		t.Fatalf("got %v %v", v.A, v.B)
	}
	b, _ := json.Marshal(v.A)
	if string(b) != `"1m30s"` {
		t.Fatalf("marshal %s", b)
	}
}

func TestNotifyPolicyWants(t *testing.T) {
	t.Parallel()

	p := NotifyPolicy{OnFailure: true, OnExceed: true}
	if p.Wants(NotifyFailure) {
		t.Fatalf("no recipients means no messages")
	}
	p.Recipients = []string{"ops"}
	if !p.Wants(NotifyFailure) || !p.Wants(NotifyExceed) || p.Wants(NotifyStart) || p.Wants(NotifyEnd) {
		t.Fatalf("unexpected policy result")
	}
}
