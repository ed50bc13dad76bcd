// Package broker coordinates task lifecycles and per-subscriber progress
// streams on top of a store.TaskStore.
//
// A Broker owns three responsibilities:
//   - lifecycle: create tasks, append progress and custom events, close tasks
//     and schedule their deferred purge;
//   - streaming: run one publisher per subscriber that replays the backlog,
//     tails new records, injects heartbeats, and always ends with a close
//     frame;
//   - housekeeping: a janitor that drops expired tasks and stale subscriber
//     entries.
//
// Lifecycle milestones are reported to a progress.Emitter so metrics,
// logging, and completion notices stay outside the hot path.
package broker
