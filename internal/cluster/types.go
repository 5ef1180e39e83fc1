package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/shard"
	"github.com/dreamware/ringchat/internal/stabilizer"
)

// HealthReport is the body of a node's GET /health.
type HealthReport struct {
	Node        ring.Node              `json:"node"`
	Established bool                   `json:"established"`
	Online      int                    `json:"online"`
	Users       shard.ShardInfo        `json:"users"`
	Successor   *stabilizer.PeerHealth `json:"successor,omitempty"`
}

// FingerView is one finger of a RingView.
type FingerView struct {
	Index int       `json:"index"`
	Start ring.ID   `json:"start"`
	Node  ring.Node `json:"node"`
}

// RingView is the body of a node's GET /ring: its routing state as the node
// itself sees it.
type RingView struct {
	Self        ring.Node    `json:"self"`
	Predecessor ring.Node    `json:"predecessor"`
	Fingers     []FingerView `json:"fingers"`
	Members     []ring.Node  `json:"members"`
	Established bool         `json:"established"`
}

// Successor returns finger 1, or Self for a view without fingers.
func (v RingView) Successor() ring.Node {
	if len(v.Fingers) == 0 {
		return v.Self
	}
	return v.Fingers[0].Node
}

// Describe captures srv's current routing state.
//
// Example:
//
//	view := cluster.Describe(srv)
//	fmt.Println(view.Self, "->", view.Successor())
func Describe(srv *ring.Server) RingView {
	snap := srv.Snapshot()
	space := srv.Space()
	fingers := make([]FingerView, len(snap.Fingers))
	for i, f := range snap.Fingers {
		fingers[i] = FingerView{
			Index: i + 1,
			Start: space.FingerStart(snap.Owner.ID, i+1),
			Node:  f,
		}
	}
	return RingView{
		Self:        snap.Owner,
		Predecessor: snap.Predecessor,
		Fingers:     fingers,
		Members:     srv.Members(),
		Established: srv.Established(),
	}
}

// Check compares the views of several nodes and describes every place where
// they disagree with the ring their identifiers imply. An empty result means
// the views are consistent: each node's successor and predecessor are its
// true neighbours and every finger points at the true owner of its start.
//
// Parameters:
//   - views: one view per node; nodes missing from the slice are ignored
//
// Returns:
//   - Human-readable problems, sorted by node identifier
//
// Example:
//
//	for _, p := range cluster.Check(views) {
//	    fmt.Println("inconsistent:", p)
//	}
func Check(views []RingView) []string {
	if len(views) == 0 {
		return nil
	}
	sorted := slices.Clone(views)
	slices.SortFunc(sorted, func(a, b RingView) int {
		switch {
		case a.Self.ID < b.Self.ID:
			return -1
		case a.Self.ID > b.Self.ID:
			return 1
		}
		return 0
	})
	ids := make([]ring.ID, len(sorted))
	for i, v := range sorted {
		ids[i] = v.Self.ID
	}

	var problems []string
	for i, v := range sorted {
		if i > 0 && ids[i-1] == v.Self.ID {
			problems = append(problems, fmt.Sprintf("node %d: identifier reported twice", v.Self.ID))
			continue
		}
		if !v.Established {
			problems = append(problems, fmt.Sprintf("node %d: not established", v.Self.ID))
		}
		next := ids[(i+1)%len(ids)]
		prev := ids[(i+len(ids)-1)%len(ids)]
		if got := v.Successor().ID; got != next {
			problems = append(problems, fmt.Sprintf("node %d: successor %d, want %d", v.Self.ID, got, next))
		}
		if got := v.Predecessor.ID; got != prev {
			problems = append(problems, fmt.Sprintf("node %d: predecessor %d, want %d", v.Self.ID, got, prev))
		}
		for _, f := range v.Fingers[min(1, len(v.Fingers)):] {
			if want := owner(ids, f.Start); f.Node.ID != want {
				problems = append(problems, fmt.Sprintf("node %d: finger %d (start %d) is %d, want %d", v.Self.ID, f.Index, f.Start, f.Node.ID, want))
			}
		}
	}
	return problems
}

// owner returns the first identifier at or clockwise after key.
func owner(sorted []ring.ID, key ring.ID) ring.ID {
	i, _ := slices.BinarySearch(sorted, key)
	return sorted[i%len(sorted)]
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// FetchRing reads the RingView served at adminURL.
func FetchRing(ctx context.Context, adminURL string) (RingView, error) {
	var v RingView
	err := GetJSON(ctx, strings.TrimSuffix(adminURL, "/")+"/ring", &v)
	return v, err
}

// FetchHealth reads the HealthReport served at adminURL.
func FetchHealth(ctx context.Context, adminURL string) (HealthReport, error) {
	var h HealthReport
	err := GetJSON(ctx, strings.TrimSuffix(adminURL, "/")+"/health", &h)
	return h, err
}

// GetJSON issues a GET to url and decodes the JSON response into out.
// Any status of 300 or above is an error.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
