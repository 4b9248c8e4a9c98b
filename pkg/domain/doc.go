/*
Package domain contains the core models of the flow engine.

It is kept free of I/O and persistence concerns. Adapters and the runtime
exchange these types through the interfaces declared in package ports.

# Key Entities

  - Flow / Revision: a flow owns an append-only list of definition revisions.
  - Graph: the parsed revision, made of ActionSteps and RuleSteps.
  - Run: one contact's traversal of a flow (path, events, results, status).
  - Event: an inbound message, wait timeout or webhook result.
  - ActivityBatch: append-only counter deltas produced while runs move.
  - ActionRequest: a side effect the host must perform (send a message, ...).
*/
package domain
