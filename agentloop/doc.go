// Package agentloop holds the conversation state and the agent turn that the
// orchestrator drives.
//
// A Conversation is an ordered, append-only list of role-tagged messages.
// Writes during a turn go through a Transcript, the conversation's single
// writer for that turn:
//
//	tr, err := conv.BeginTurn()
//	if err != nil {
//	    return err
//	}
//	if err := session.RunTurn(ctx, tr, agentloop.TurnRequest{Prompt: prompt}); err != nil {
//	    tr.Rollback() // conversation is exactly as it was before BeginTurn
//	    return err
//	}
//	committed := tr.Commit()
//
// Rollback and Commit both seal the transcript. A turn goroutine that keeps
// running after its caller gave up gets ErrTranscriptSealed on its next
// append instead of mutating restored state.
//
// Session.RunTurn is the tool loop: it sends the conversation to the model,
// executes requested tools concurrently through a ToolRegistry and
// Workspace, truncates their output, watches for repeating tool-call
// patterns, and stops when the model answers without tool calls. Tools
// receive the turn's context, so cancelling a turn abandons in-flight tool
// work (shell commands are killed with their process group).
//
// FileStore persists committed messages as NDJSON.
package agentloop
