/*
Package rapidpro is a flow execution engine for SMS and voice conversations.

A flow is a graph of ActionSteps, which send messages and change contacts,
and RuleSteps, which wait for a reply (or call a webhook, or start a
subflow) and route the contact by the first rule whose test matches. Each
contact's walk through a flow is a Run. The engine keeps runs, records
which paths contacts took and which categories their answers fell into,
and reports both.

# Concept

The engine never talks to a phone network. The host delivers inbound
events (messages, timeouts, webhook results) and performs the actions the
engine asks for (send a message, add to a group). Every call for a contact
runs under that contact's lock; when the lock is busy the call fails with
domain.ErrDeferred and the host retries later. Event UUIDs make retries safe.

Storage sits behind the interfaces of package ports, with memory, Redis
and SQL implementations under pkg/adapters.

# Usage

	eng := rapidpro.New()
	ctx := context.Background()

	if _, err := eng.ImportFlow(ctx, "Favorite Color", definition); err != nil {
		log.Fatal(err)
	}

	out, err := eng.Start(ctx, domain.StartRequest{FlowUUID: flowUUID, ContactUUID: contactUUID})
	if err != nil {
		log.Fatal(err)
	}
	for _, action := range out.Actions {
		dispatch(action) // send the messages
	}

	out, err = eng.Handle(ctx, domain.Event{
		UUID:        uuid.NewString(),
		Type:        domain.EventMsg,
		ContactUUID: contactUUID,
		Text:        "orange",
	})
	if errors.Is(err, domain.ErrDeferred) {
		// contact busy, retry later
	}

	stats, _ := eng.RunStats(ctx, flowUUID)
	fmt.Println(stats.CompletionPct)
*/
package rapidpro
