package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/session"
)

var (
	dim     = color.New(color.Faint)
	bold    = color.New(color.Bold)
	warn    = color.New(color.FgYellow)
	good    = color.New(color.FgGreen)
	bad     = color.New(color.FgRed)
	ownMark = color.New(color.FgCyan, color.Bold)
)

func newID() string {
	return uuid.NewString()
}

func warnf(out io.Writer, format string, args ...any) {
	warn.Fprintf(out, format, args...)
}

func printNodes(out io.Writer, nodes []graph.Node, locks map[string]presence.Lock) {
	if len(nodes) == 0 {
		dim.Fprintln(out, "(no nodes)")
		return
	}
	for _, n := range nodes {
		bold.Fprintf(out, "%-36s", n.ID)
		fmt.Fprintf(out, " %-11s (%6.0f,%6.0f) %q", n.Type, n.Position.X, n.Position.Y, n.Data.Text(n.Type))
		if n.ParentID != "" {
			dim.Fprintf(out, " in %s", n.ParentID)
		}
		if n.LocalOnly {
			dim.Fprint(out, " local")
		}
		if l, ok := locks[n.ID]; ok {
			warn.Fprintf(out, " [%s by %s]", l.Kind, l.Name)
		}
		fmt.Fprintln(out)
	}
}

func printEdges(out io.Writer, edges []graph.Edge) {
	if len(edges) == 0 {
		dim.Fprintln(out, "(no edges)")
		return
	}
	for _, e := range edges {
		bold.Fprintf(out, "%-10s", e.Type)
		fmt.Fprintf(out, " %s -> %s", e.Source, e.Target)
		if m := e.Data.Mindchange; m != nil {
			dim.Fprintf(out, " mindchange %+.1f/%+.1f", m.Forward, m.Backward)
		}
		dim.Fprintf(out, "  %s\n", e.ID)
	}
}

func printPeers(out io.Writer, states map[uint64]presence.Record, self presence.Identity) {
	ids := make([]uint64, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rec := states[id]
		name := fmt.Sprintf("%-4d %s (%s)", id, rec.Name, rec.UserID)
		if rec.TabID == self.TabID {
			ownMark.Fprint(out, name+" *")
		} else {
			fmt.Fprint(out, name)
		}
		if !rec.Active {
			dim.Fprint(out, " background")
		}
		for _, l := range rec.Locks {
			warn.Fprintf(out, " %s:%s", l.Kind, l.NodeID)
		}
		fmt.Fprintln(out)
	}
}

func printStats(out io.Writer, st session.Stats) {
	status := good
	if st.Status.String() != "connected" {
		status = bad
	}
	fmt.Fprint(out, "status:      ")
	status.Fprintln(out, st.Status)
	fmt.Fprintf(out, "leader:      %v (writable %v, promotions %d)\n", st.Leader, st.Writable, st.Promotions)
	fmt.Fprintf(out, "undo/redo:   %d/%d\n", st.UndoDepth, st.RedoDepth)
	fmt.Fprintf(out, "replication: sent %d, received %d, failures %d, pending ops %d\n",
		st.Replication.Sent, st.Replication.Received, st.Replication.Failures, st.PendingOps)
	fmt.Fprintf(out, "view queue:  enqueued %d, processed %d, backpressure %d\n",
		st.Bridge.Enqueued, st.Bridge.Processed, st.Bridge.Backpressure)
	fmt.Fprintf(out, "saves:       %d (failures %d)\n", st.Saves, st.SaveFailures)
	fmt.Fprintf(out, "disconnects: %d, lock conflicts %d\n", st.Disconnects, st.LockConflicts)
}
