// Package orchestrator implements the plan-first pipeline.
//
// An Executor runs one agent turn against an agentloop.Conversation and
// races it against cancellation and a per-call timeout; a turn that does
// not complete is rolled back so the conversation is unchanged. A
// PhaseRunner resolves a phase to a chain of roles through a RouteTable and
// retries retriable failures under the next role, writing a
// RouteTraceRecord for each decision. The Orchestrator sequences the
// planner, direct execution or delegated steps, and consolidation phases
// while enforcing a Budget.
//
//	exec := orchestrator.NewExecutor(session, orchestrator.WithStore(store))
//	o := orchestrator.New(exec, table, orchestrator.Config{Budget: orchestrator.DefaultBudget()})
//	res, err := o.Run(ctx, conv, prompt, nil)
//
// Budget violations and exhausted routes are errors. Cancellation and
// timeout are reported through Result.Status.
package orchestrator
