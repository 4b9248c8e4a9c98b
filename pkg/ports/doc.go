/*
Package ports defines the driven ports (interfaces) of the flow engine.

These interfaces decouple the runtime from storage, locking and transport so
the same engine runs against memory, Redis or SQL backends.

# Key Interfaces

  - FlowRepository / GraphLoader: flow revisions and their parsed graphs.
  - RunStore: persistence and queries over runs.
  - CounterStore: append-only activity deltas and their squashing.
  - DistributedLocker / KeyedLocker: per-contact and per-flow mutual exclusion.
  - WebhookCaller / ResthookStore: outbound HTTP steps.
*/
package ports
