// Package telemetry wires logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and run events for stackrun.
//
// Initialize telemetry at startup and hand a PlanObserver to each action:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Environment = namespace
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	observer := telemetry.NewPlanObserver(tel, runID, "build", namespace)
//
// # Spans
//
//   - plan.execute: one per plan, opened by PlanObserver.PlanStarting.
//   - step.run: one per step, child of plan.execute.
//   - graphlock.acquire: opened by the graphlock package via the global
//     tracer provider, which NewTracer installs when tracing is enabled.
//
// # Metrics
//
// All names carry the configured namespace prefix (default "stackrun"):
//
//	steps_executed_total{action,status}
//	step_duration_seconds{action}
//	plans_completed_total{action,result}
//	plan_duration_seconds{action}
//	graph_lock_acquisitions_total{result}
//	active_plans
//	errors_total{code}
//
// Metrics.StartMetricsServer exposes them over HTTP when a listen address
// is configured.
//
// # Events
//
// EventPublisher delivers run.*, step.* and policy.violation events to
// subscribers in publish order. The CLI subscribes to print JSON lines.
package telemetry
