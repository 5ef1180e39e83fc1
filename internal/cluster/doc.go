// Package cluster describes a running ring from the outside. It defines the
// JSON documents a node serves on its admin endpoints, builds them from a
// ring.Server, fetches them over HTTP, and cross-checks the views of several
// nodes against the ring their identifiers imply.
//
// # Documents
//
//	GET /health   HealthReport: identity, established flag, online users,
//	              account partition summary, successor health
//	GET /ring     RingView: self, predecessor, fingers with their starts,
//	              member directory
//
// # Consistency
//
// Check sorts the views by identifier and reports every node whose
// successor, predecessor or fingers differ from the true owners. A converged
// ring yields no problems. Views are snapshots taken at slightly different
// times, so a ring that is still absorbing a join may report transient
// problems.
//
// # Example
//
//	var views []cluster.RingView
//	for _, url := range adminURLs {
//	    v, err := cluster.FetchRing(ctx, url)
//	    if err != nil {
//	        return err
//	    }
//	    views = append(views, v)
//	}
//	for _, p := range cluster.Check(views) {
//	    fmt.Println(p)
//	}
package cluster
