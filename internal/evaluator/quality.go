package evaluator

import (
	"context"
	"fmt"

	"github.com/lumatel/callguard/internal/model"
)

// QualityOptions are the per-signal soft thresholds and hard ceilings.
// One soft threshold exceeded recommends codec adaptation; two or more, or
// any ceiling, drops the session.
type QualityOptions struct {
	RTPLossThreshold float64
	RTPLossCeiling   float64
	JitterThreshold  float64
	JitterCeiling    float64
	LatencyThreshold float64
	LatencyCeiling   float64
}

// Quality scores the event's media signals. It is a pure function of the
// event and its options: no session or store state is consulted.
type Quality struct {
	opts QualityOptions
}

// NewQuality creates the quality evaluator.
func NewQuality(opts QualityOptions) *Quality { return &Quality{opts: opts} }

// Name implements Evaluator.
func (q *Quality) Name() string { return NameQuality }

// Evaluate implements Evaluator.
func (q *Quality) Evaluate(_ context.Context, ev model.CallEvent, _ Snapshot) (model.Recommendation, error) {
	type signal struct {
		name      string
		value     *float64
		threshold float64
		ceiling   float64
	}
	signals := []signal{
		{"rtp_loss", ev.RTPLoss, q.opts.RTPLossThreshold, q.opts.RTPLossCeiling},
		{"jitter", ev.JitterMs, q.opts.JitterThreshold, q.opts.JitterCeiling},
		{"latency", ev.LatencyMs, q.opts.LatencyThreshold, q.opts.LatencyCeiling},
	}

	var exceeded []string
	ceilingHit := ""
	for _, s := range signals {
		if s.value == nil {
			continue
		}
		if *s.value > s.ceiling {
			ceilingHit = s.name
		}
		if *s.value > s.threshold {
			exceeded = append(exceeded, s.name)
		}
	}

	score := Score(ev)

	if ceilingHit != "" || len(exceeded) >= 2 {
		detail := fmt.Sprintf("%v over threshold", exceeded)
		if ceilingHit != "" {
			detail = ceilingHit + " over hard ceiling"
		}
		return model.Recommendation{
			Action:   model.ActionDropSession,
			Priority: PriorityCritical,
			Reason:   fmt.Sprintf("media unusable (%s, score %.2f)", detail, score),
			Critical: true,
			Source:   NameQuality,
		}, nil
	}
	if len(exceeded) == 1 {
		return model.Recommendation{
			Action:   model.ActionAdaptCodec,
			Priority: PriorityNormal,
			Reason:   fmt.Sprintf("%s over threshold (score %.2f)", exceeded[0], score),
			Source:   NameQuality,
		}, nil
	}
	return model.Recommendation{}, nil
}

// Score computes a 0..1 media quality score from the event's signals,
// 1.0 being pristine. Loss weighs heavier than jitter: heavy packet loss
// makes speech unintelligible while jitter is partially absorbed by the
// receive buffer.
func Score(ev model.CallEvent) float64 {
	score := 1.0
	if ev.RTPLoss != nil {
		score -= min(*ev.RTPLoss*0.1, 0.5)
	}
	if ev.JitterMs != nil {
		score -= min(*ev.JitterMs/100.0*0.2, 0.3)
	}
	if ev.LatencyMs != nil {
		score -= min(*ev.LatencyMs/1000.0*0.1, 0.2)
	}
	return max(0, score)
}
