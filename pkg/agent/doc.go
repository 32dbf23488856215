// Package agent executes classified queries with variant prompts, retrieval context and bounded tool loops.
//
// Invariants:
// - Every query is bound to a session, and the session to one agent variant.
// - Retrieval failures degrade a query; they never fail it.
// - Tool calls route through the tools registry only, bounded by MaxIterations.
// - A query/response pair is persisted only after the loop produced a final answer.
//
// Usage:
//
//	executor, _ := agent.NewExecutor(agent.Config{...})
//	response, _ := executor.Execute(ctx, agent.Request{
//		SessionID: "session-1",
//		QueryText: "how much aspirin is in stock?",
//	})
//	_ = response
package agent
