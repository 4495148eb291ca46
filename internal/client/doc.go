// Package client is a Go client for a wsrelay server.
//
// It is used by the tail command and by integration tests that need a real
// subscriber on the other end of the socket.
//
// # Publishing
//
//	c := client.New("http://localhost:8089", client.WithPublishToken(secret))
//	res, err := c.Publish(ctx, client.PublishRequest{
//	    UserID:   "alice",
//	    ThreadID: "thread-1",
//	    Payload:  events.AgentStartedPayload{Agent: "planner"},
//	})
//
// res.Status tells whether any connection of the user received the event.
//
// # Subscribing
//
// Open a session with a user credential, then ping or subscribe to activate
// it:
//
//	c := client.New("http://localhost:8089", client.WithToken(userToken))
//	sess, err := c.Connect(ctx, client.SessionCallbacks{
//	    OnGap: func(g client.Gap) {
//	        log.Printf("missed %d events on %s", g.Missing(), g.Key)
//	    },
//	})
//	defer sess.Close()
//
//	sess.Subscribe("thread-1")
//	for {
//	    env, err := sess.Next(ctx)
//	    if err != nil {
//	        break
//	    }
//	    fmt.Println(env.Type(), env.Sequence())
//	}
//
// When OnEnvelope is set, envelopes go to the callback instead and Next is
// unavailable.
//
// # Sequence Gaps
//
// Every session tracks the last sequence number per (user, thread). The
// first envelope of a thread sets the baseline; a later skip or repeat is
// reported to OnGap. Unsubscribing from a thread resets its baseline.
package client
