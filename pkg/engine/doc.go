// Package engine provides the execution core of stackrun: the dependency
// graph, the per-stack step state machine and the plan scheduler.
//
// # Overview
//
// A run moves through four pieces:
//
//  1. Graph - requirements between stacks, validated for unknown names and cycles
//  2. Step - one stack's operation plus its status, reason and attempt count
//  3. Plan - the graph in its active direction coupled with the steps by name
//  4. Outcome - the per-step result of executing a plan
//
// # Step State Machine
//
// Steps start PENDING. An operation moves them to SUBMITTED while remote work
// is in progress, then to COMPLETE, SKIPPED or FAILED:
//
//	PENDING -> SUBMITTED -> {COMPLETE | SKIPPED | FAILED}
//	PENDING -> SKIPPED
//
// Step.RunOnce invokes the operation once. Step.Run repeats RunOnce while the
// step is SUBMITTED, waiting between attempts with capped exponential backoff.
//
// # Scheduling
//
// Plan.Execute launches a step once every dependency in the active direction
// is COMPLETE or SKIPPED. A failed step skips all of its transitive
// dependents without running them; independent branches keep going. A
// reverse plan runs over the transposed graph, so dependents are torn down
// before the stacks they require.
//
//	g, err := engine.BuildGraph(map[string][]string{
//	    "vpc": nil,
//	    "db":  {"vpc"},
//	})
//	plan, err := engine.NewPlan(g, steps, engine.PlanOptions{Concurrency: 4})
//	outcome := plan.Execute(ctx, rc)
//	if err := outcome.Err(); err != nil {
//	    // at least one step failed
//	}
//
// # Error Classification
//
// Errors are EngineError values with a class and a code. Compare them with
// errors.Is against the exported sentinels such as ErrCycleDetected,
// ErrGraphLocked and ErrPlanFailed.
package engine
