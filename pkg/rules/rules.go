// Package rules turns per-layer metric averages into scaling directives.
package rules

// Kind enumerates the scaling directives.
type Kind int

const (
	NoAction Kind = iota
	ScaleInCPU
	ScaleOutCPU
	ScaleInInterests
	ScaleOutInterests
)

func (k Kind) String() string {
	switch k {
	case ScaleInCPU:
		return "scale_in_cpu"
	case ScaleOutCPU:
		return "scale_out_cpu"
	case ScaleInInterests:
		return "scale_in_interests"
	case ScaleOutInterests:
		return "scale_out_interests"
	}
	return "no_action"
}

// Family is the metric a directive is derived from.
type Family int

const (
	CPU Family = iota
	Interests
)

func (f Family) String() string {
	if f == Interests {
		return "interests"
	}
	return "cpu"
}

func (k Kind) Family() Family {
	if k == ScaleInInterests || k == ScaleOutInterests {
		return Interests
	}
	return CPU
}

// ScalesOut reports whether k adds a router.
func (k Kind) ScalesOut() bool {
	return k == ScaleOutCPU || k == ScaleOutInterests
}

// Opposite returns the directive of the same family pulling the other way.
func (k Kind) Opposite() Kind {
	switch k {
	case ScaleInCPU:
		return ScaleOutCPU
	case ScaleOutCPU:
		return ScaleInCPU
	case ScaleInInterests:
		return ScaleOutInterests
	case ScaleOutInterests:
		return ScaleInInterests
	}
	return NoAction
}

// Directive asks for one router more or less at Layer.
type Directive struct {
	Kind  Kind
	Layer int
}

// Averages are the per-layer inputs of one evaluation.
type Averages struct {
	Layer     int
	CPUIdle   float64 // percent
	Interests float64 // interests per sampling interval
}

// Threshold bounds a metric: at or above Out scales out, at or below In scales in.
type Threshold struct {
	Out float64
	In  float64
}

type Config struct {
	Families  []Family
	CPU       Threshold // on busy percent, 100 - idle
	Interests Threshold
}

func DefaultConfig() Config {
	return Config{
		Families:  []Family{CPU, Interests},
		CPU:       Threshold{Out: 75, In: 0},
		Interests: Threshold{Out: 1500, In: 30},
	}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate returns the directives for one layer, CPU first. An empty result
// means no action.
func (e *Engine) Evaluate(avg Averages) []Directive {
	var out []Directive
	for _, f := range e.cfg.Families {
		var (
			value float64
			th    Threshold
			in    Kind
			outK  Kind
		)
		switch f {
		case CPU:
			value, th, in, outK = 100-avg.CPUIdle, e.cfg.CPU, ScaleInCPU, ScaleOutCPU
		case Interests:
			value, th, in, outK = avg.Interests, e.cfg.Interests, ScaleInInterests, ScaleOutInterests
		default:
			continue
		}
		switch {
		case value >= th.Out:
			out = append(out, Directive{Kind: outK, Layer: avg.Layer})
		case value <= th.In:
			out = append(out, Directive{Kind: in, Layer: avg.Layer})
		}
	}
	return out
}
