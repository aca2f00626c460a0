/*
Package budget enforces process-wide token and cost ceilings on outbound
LLM traffic.

LLM calls are billed per token; an unbounded translation fan-out can run
up real money fast. The Controller tracks token usage across minute,
hour, and day windows plus a daily cost total, refuses calls that would
breach a ceiling (surfaced as the cost-limit error kind), optionally
throttles briefly when the minute window tops out, and fires a callback
when a window crosses the configured alert threshold.

	ctrl := budget.NewController(budget.DefaultConfig(), logger)
	if err := ctrl.Check(estimatedTokens, estimatedCost); err != nil {
	    return err // types.ErrCostLimit
	}
	// ... perform the call ...
	ctrl.Record(budget.Usage{Tokens: used, Cost: cost, Model: model, Provider: name})

State is per process and in memory; counters reset when their window
rolls over or the process restarts.
*/
package budget
