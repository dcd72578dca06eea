// Package dispatch matches lifecycle events to registered plugins, runs them
// and aggregates their results.
//
// A Manager owns the plugin registry, a handle to the state store and the
// telemetry tracker. There are no package-level singletons; tests build as
// many independent managers as they need.
//
// Dispatch of one event:
//   - Candidates are plugins subscribed to the event name (or "*"), sorted by
//     priority descending, ties kept in registration order.
//   - Health is refreshed for every candidate from its persisted enabled
//     flag; disabled plugins are skipped.
//   - Non-blocking plugins are started on their own goroutine and never
//     joined. Their insights reach the InsightFunc; failures only reach
//     telemetry and the log.
//   - Blocking plugins run strictly one after another. A granted
//     eventDataPatch and, for user.message.before_send, a granted message
//     mutation produce a derived event seen by every later plugin. The input
//     event is never mutated.
//   - The first permission decision wins. Message mutations are merged field
//     by field, last writer wins.
//   - A failing blocking plugin adds an error insight. With fail policy
//     abort_current_action the dispatch stops and reports Aborted.
//
// Timeouts:
//   - Every invocation races the handler against its own deadline. The
//     handler's context expires at the deadline; handlers that ignore it keep
//     running in the background but are no longer waited for.
//   - Handler contexts are detached from the caller's cancellation, so an
//     in-flight plugin cannot be cancelled by the caller.
//
// Config resolution:
//   - Persisted config is passed through the plugin's validator. Invalid
//     values are replaced by the default, logged once per plugin, and on the
//     list/emit path rewritten in the store.
//   - UpdateConfig rejects invalid values with a ConfigValidationError
//     instead.
package dispatch
