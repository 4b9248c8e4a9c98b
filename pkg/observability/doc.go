/*
Package observability exposes engine activity as Prometheus metrics.

Metrics are fed by domain.LifecycleHooks, so the engine itself never imports
Prometheus. Register a Metrics on a registry, pass Metrics.Hooks to the engine
and serve Metrics.Handler on /metrics.
*/
package observability
