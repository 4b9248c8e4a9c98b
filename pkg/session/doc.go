/*
Package session serializes work on a contact (or a flow) across goroutines and,
with a distributed locker, across engine replicas.

At most one step runs per contact at a time. A caller that cannot get the
lock in time gets domain.ErrDeferred and must re-queue its event.
*/
package session
