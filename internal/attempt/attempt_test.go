package attempt

import (
	"context"
	"testing"
)

type fixedQuota bool

func (q fixedQuota) CanPerformTask(context.Context) bool { return bool(q) }

func TestRecordRecognitionError(t *testing.T) {
	p := NewPolicy(DefaultLimits(), nil)

	if p.RecordRecognitionError() {
		t.Fatal("first error reported exhausted, want budget remaining")
	}
	if !p.RecordRecognitionError() {
		t.Fatal("second error not exhausted, want exhausted at max 2")
	}
	if got := p.RecognitionErrors(); got != 2 {
		t.Errorf("RecognitionErrors() = %d, want 2", got)
	}
}

func TestClarificationNeverExceedsMax(t *testing.T) {
	tests := []struct {
		name  string
		max   int
		tries int
		want  int
	}{
		{name: "default one", max: 1, tries: 5, want: 1},
		{name: "zero disables", max: 0, tries: 3, want: 0},
		{name: "negative treated as zero", max: -2, tries: 3, want: 0},
		{name: "three", max: 3, tries: 10, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(Limits{MaxClarifications: tt.max, MaxRecognitionErrors: 2}, nil)
			for range tt.tries {
				p.RecordClarification()
			}
			if got := p.Clarifications(); got != tt.want {
				t.Errorf("Clarifications() = %d, want %d", got, tt.want)
			}
			if p.CanClarify() {
				t.Error("CanClarify() = true after budget spent")
			}
			if got := p.Limits().MaxClarifications; got != max(tt.max, 0) {
				t.Errorf("Limits().MaxClarifications = %d, want %d", got, max(tt.max, 0))
			}
		})
	}
}

func TestCanPerformTask(t *testing.T) {
	ctx := context.Background()
	if !NewPolicy(DefaultLimits(), nil).CanPerformTask(ctx) {
		t.Error("nil quota should allow tasks")
	}
	if !NewPolicy(DefaultLimits(), fixedQuota(true)).CanPerformTask(ctx) {
		t.Error("allowing quota rejected task")
	}
	if NewPolicy(DefaultLimits(), fixedQuota(false)).CanPerformTask(ctx) {
		t.Error("exhausted quota allowed task")
	}
}
