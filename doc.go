// Package licshare coordinates exclusive, time-bounded use of named licences
// across cooperating peers. Every node appends register, use and release
// operations to its own feed of a replicated multi-writer log; the feeds are
// merged in Lamport order and reduced into an ordered view that every peer
// converges to.
//
// # Running a node
//
//	node, err := licshare.New(licshare.Config{
//	    Realm:    "team-a",
//	    Identity: "alice",
//	    DataDir:  "/var/lib/licshare",
//	    Listen:   ":9450",
//	    Peers:    []string{"10.0.0.2:9450"},
//	})
//	if err != nil { log.Fatal(err) }
//	if err := node.Start(ctx); err != nil { log.Fatal(err) }
//	defer node.Close(context.Background())
//
//	_ = node.Register(ctx, "c1", "token")
//	ok, err := node.Use(ctx, "c1", "alice")
//
// Use answers from the local view. Two peers racing for the same licence may
// both see true; the first use in the merged order wins and the loser sees
// the other holder in AllUsage once the logs converge.
//
// # Lease expiry
//
// A node that observes a lease held by another user arms a timer for
// Config.LeaseTimeout (default 20s). Holders renew by calling Use again
// (see KeepAlive). When the timer fires the node appends a release
// conditioned on the holder, so releases issued by several peers collapse
// into one.
//
// # Transports
//
// Peers meet on a topic derived from Config.Realm. Nodes built with
// WithSwarm can share an in-process swarm.Hub, which is how the tests and the
// scenario command wire several nodes together; otherwise a TCP swarm is
// started from Config.Listen and Config.Peers.
package licshare
