package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateBoundaries(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tests := []struct {
		name string
		avg  Averages
		want []Directive
	}{
		{
			name: "cpu busy exactly at scale-out threshold",
			avg:  Averages{Layer: 1, CPUIdle: 25, Interests: 500},
			want: []Directive{{Kind: ScaleOutCPU, Layer: 1}},
		},
		{
			name: "cpu busy one below threshold",
			avg:  Averages{Layer: 1, CPUIdle: 26, Interests: 500},
			want: nil,
		},
		{
			name: "fully idle cpu scales in",
			avg:  Averages{Layer: 0, CPUIdle: 100, Interests: 500},
			want: []Directive{{Kind: ScaleInCPU, Layer: 0}},
		},
		{
			name: "interests at scale-out threshold",
			avg:  Averages{CPUIdle: 50, Interests: 1500},
			want: []Directive{{Kind: ScaleOutInterests}},
		},
		{
			name: "interests at scale-in threshold",
			avg:  Averages{CPUIdle: 50, Interests: 30},
			want: []Directive{{Kind: ScaleInInterests}},
		},
		{
			name: "both families fire, cpu first",
			avg:  Averages{Layer: 2, CPUIdle: 100, Interests: 2000},
			want: []Directive{{Kind: ScaleInCPU, Layer: 2}, {Kind: ScaleOutInterests, Layer: 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(tt.avg))
		})
	}
}

func TestEvaluateFamilySelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Families = []Family{Interests}
	e := NewEngine(cfg)
	assert.Equal(t, []Directive{{Kind: ScaleInInterests}}, e.Evaluate(Averages{CPUIdle: 100, Interests: 0}))
}

func TestKindHelpers(t *testing.T) {
	assert.Equal(t, ScaleOutCPU, ScaleInCPU.Opposite())
	assert.Equal(t, ScaleInInterests, ScaleOutInterests.Opposite())
	assert.Equal(t, NoAction, NoAction.Opposite())
	assert.Equal(t, Interests, ScaleInInterests.Family())
	assert.Equal(t, CPU, ScaleOutCPU.Family())
	assert.True(t, ScaleOutInterests.ScalesOut())
	assert.False(t, ScaleInCPU.ScalesOut())
	assert.Equal(t, "scale_in_interests", ScaleInInterests.String())
}
