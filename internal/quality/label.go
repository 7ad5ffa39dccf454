// Package quality samples transport statistics of one peer connection and
// derives a coarse quality label plus raw metrics.
package quality

import "time"

type Label string

const (
	LabelExcellent Label = "excellent"
	LabelGood      Label = "good"
	LabelFair      Label = "fair"
	LabelPoor      Label = "poor"
	LabelBad       Label = "bad"
	LabelUnknown   Label = "unknown"
)

// rank orders labels best to worst; unknown ranks below every known label
// so any measurement replaces it in an aggregate.
func (l Label) rank() int {
	switch l {
	case LabelExcellent:
		return 0
	case LabelGood:
		return 1
	case LabelFair:
		return 2
	case LabelPoor:
		return 3
	case LabelBad:
		return 4
	default:
		return -1
	}
}

// Worst returns the worse of two labels. Unknown loses to any known label.
func Worst(a, b Label) Label {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// Threshold is one row of the label table. A tier is reached only when both
// bounds hold.
type Threshold struct {
	Label   Label
	MaxRTT  time.Duration
	MaxLoss float64
}

// DefaultThresholds is ordered best to worst; failing the last row is bad.
var DefaultThresholds = []Threshold{
	{Label: LabelExcellent, MaxRTT: 150 * time.Millisecond, MaxLoss: 0.01},
	{Label: LabelGood, MaxRTT: 400 * time.Millisecond, MaxLoss: 0.03},
	{Label: LabelFair, MaxRTT: 700 * time.Millisecond, MaxLoss: 0.08},
	{Label: LabelPoor, MaxRTT: 1200 * time.Millisecond, MaxLoss: 0.15},
}

// Classify evaluates RTT and loss separately against the table and keeps
// the worse tier. Missing inputs do not constrain the result; with neither
// present the label is unknown.
func Classify(table []Threshold, rtt time.Duration, hasRTT bool, loss float64, hasLoss bool) Label {
	if !hasRTT && !hasLoss {
		return LabelUnknown
	}
	if len(table) == 0 {
		table = DefaultThresholds
	}
	byRTT, byLoss := table[0].Label, table[0].Label
	if hasRTT {
		byRTT = tier(table, func(t Threshold) bool { return rtt <= t.MaxRTT })
	}
	if hasLoss {
		byLoss = tier(table, func(t Threshold) bool { return loss <= t.MaxLoss })
	}
	return Worst(byRTT, byLoss)
}

func tier(table []Threshold, ok func(Threshold) bool) Label {
	for _, t := range table {
		if ok(t) {
			return t.Label
		}
	}
	return LabelBad
}
