/*
Package webhook calls external HTTP endpoints on behalf of webhook and
resthook steps.

Results are never errors: timeouts, transport failures and non-2xx answers
all come back as a failure result the flow can branch on. Response bodies are
turned into run extras with Flatten.
*/
package webhook
