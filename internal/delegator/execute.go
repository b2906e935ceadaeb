package delegator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/antoniostano/delegator/internal/agents"
	"github.com/antoniostano/delegator/internal/invoker"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
)

const emptyReply = "Sorry, I couldn't find an answer to that."

// execute runs the plan in dependency waves. Steps within a wave have no
// dependency on each other and run concurrently. Results come back in plan
// order. fatal is the first mandatory step that ended without success.
func (d *Delegator) execute(ctx context.Context, log zerolog.Logger, t *turn, inbound memory.Message, plan memory.Plan, wc memory.WorkingContext) (results []memory.StepResult, fatal *memory.StepResult) {
	steps := plan.Steps
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}
	out := make([]memory.StepResult, len(steps))
	done := make([]bool, len(steps))
	deadline, _ := ctx.Deadline()

	for remaining := len(steps); remaining > 0; {
		var wave []int
		for i, s := range steps {
			if !done[i] && depsDone(s, index, done) {
				wave = append(wave, i)
			}
		}
		if len(wave) == 0 {
			break
		}

		p := pool.New().WithMaxGoroutines(d.cfg.MaxParallel)
		for _, i := range wave {
			call := invoker.Call{
				ConversationID: t.record.ConversationID,
				TurnID:         t.id,
				Step:           steps[i],
				Inbound:        inbound,
				Context:        wc,
				Upstream:       upstream(steps[i], steps, index, out),
			}
			p.Go(func() {
				out[i] = d.invoker.InvokeWithRetry(ctx, call, invoker.RetryState{
					MaxAttempts: d.cfg.MaxAttempts,
					Deadline:    deadline,
				})
			})
		}
		p.Wait()

		for _, i := range wave {
			done[i] = true
			remaining--
			res := &out[i]
			d.metrics.ObserveStep(res.Tag, string(res.Status), res.Retries, time.Duration(res.DurationMS)*time.Millisecond)
			if res.Status == memory.StepSuccess {
				continue
			}
			if steps[i].Optional {
				res.Skipped = true
				d.metrics.CountIndicator(observability.IndicatorOptionalSkipped, 1)
				log.Warn().
					Str("tag", res.Tag).
					Str("status", string(res.Status)).
					Str("error_code", res.ErrorCode).
					Int("attempt", res.Attempts).
					Msg("optional step skipped")
				continue
			}
			if fatal == nil {
				fatal = res
			}
		}
		if fatal != nil || ctx.Err() != nil {
			break
		}
	}

	results = make([]memory.StepResult, 0, len(steps))
	for i := range steps {
		if done[i] {
			results = append(results, out[i])
		}
	}
	if fatal != nil {
		for i := range results {
			if results[i].StepID == fatal.StepID {
				fatal = &results[i]
				break
			}
		}
	}
	return results, fatal
}

func depsDone(s memory.PlanStep, index map[string]int, done []bool) bool {
	for _, dep := range s.DependsOn {
		if i, ok := index[dep]; ok && !done[i] {
			return false
		}
	}
	return true
}

// upstream collects successful dependency outputs keyed by tag. A fallback
// step also answers for the tag it replaced.
func upstream(s memory.PlanStep, steps []memory.PlanStep, index map[string]int, out []memory.StepResult) map[string]agents.Output {
	if len(s.DependsOn) == 0 {
		return nil
	}
	inputs := make(map[string]agents.Output, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		i, ok := index[dep]
		if !ok || out[i].Status != memory.StepSuccess {
			continue
		}
		o := agents.Output{
			Text:         out[i].Output,
			Data:         out[i].Data,
			Facts:        out[i].Facts,
			InternalOnly: out[i].Internal,
		}
		inputs[steps[i].Tag] = o
		if steps[i].FallbackFor != "" {
			inputs[steps[i].FallbackFor] = o
		}
	}
	return inputs
}

// compose joins the visible outputs in plan order. Internal steps only feed
// other steps.
func compose(plan memory.Plan, results []memory.StepResult) string {
	byID := make(map[string]memory.StepResult, len(results))
	for _, r := range results {
		byID[r.StepID] = r
	}
	var parts []string
	for _, s := range plan.Steps {
		r, ok := byID[s.ID]
		if !ok || r.Status != memory.StepSuccess || r.Internal {
			continue
		}
		if text := strings.TrimSpace(r.Output); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return emptyReply
	}
	return strings.Join(parts, "\n\n")
}
