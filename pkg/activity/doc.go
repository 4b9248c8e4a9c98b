/*
Package activity answers the reporting questions about a flow: how many runs
ended in which status, how results split across categories, where contacts
are resting right now and which paths they took to get there.

Counters are written as append-only deltas by the engine and read here as
sums. Squash folds the deltas into totals so reads stay cheap; it can run at
any time without changing what a read returns.
*/
package activity
