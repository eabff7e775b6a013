package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/network-goods-institute/negation-game-sub014/pkg/bridge"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/session"
)

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "\nCommands:")
	fmt.Fprintln(out, "  add <type> <text>             create a node at the origin")
	fmt.Fprintln(out, "  below <id> [text]             create a node below <id> and connect it")
	fmt.Fprintln(out, "  connect <a> <b> [edgeType]    connect two nodes")
	fmt.Fprintln(out, "  content <id> <text>           replace node text")
	fmt.Fprintln(out, "  move <id> <x> <y>             move a node")
	fmt.Fprintln(out, "  dup <id>                      duplicate a node with its connections")
	fmt.Fprintln(out, "  object <edgeId>               add an objection to an edge")
	fmt.Fprintln(out, "  rm <id>                       delete a node or edge")
	fmt.Fprintln(out, "  lock <id> | unlock <id>       claim or release an edit lock")
	fmt.Fprintln(out, "  undo | redo | save")
	fmt.Fprintln(out, "  nodes | edges | peers | stats")
	fmt.Fprintln(out, "  quit")
}

// handleCommand 执行一行命令，返回是否退出。
func handleCommand(s *session.Session, out io.Writer, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	engine := s.Engine()
	args := parts[1:]
	rest := func(from int) string { return strings.Join(parts[from:], " ") }

	switch strings.ToLower(parts[0]) {
	case "help":
		printHelp(out)
	case "quit", "exit":
		return true, nil

	case "add":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: add <type> <text>")
		}
		n := graph.Node{ID: newID(), Type: graph.NodeType(args[0])}
		if n.Type == graph.NodeStatement {
			n.Data.Statement = rest(2)
		} else {
			n.Data.Content = rest(2)
		}
		s.Bridge().OnNodesChange([]bridge.NodeChange{{Kind: bridge.NodeAdd, ID: n.ID, Node: &n}})
		return false, written(out, s, "created "+n.ID)

	case "below":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: below <id> [text]")
		}
		n, e, ok := engine.CreateNodeBelow(args[0], graph.CreateOptions{Data: graph.NodeData{Content: rest(2)}})
		if !ok {
			return false, written(out, s, "")
		}
		fmt.Fprintf(out, "created %s via %s edge %s\n", n.ID, e.Type, e.ID)

	case "connect":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: connect <a> <b> [edgeType]")
		}
		t := graph.EdgeNegation
		if len(args) > 2 {
			t = graph.EdgeType(args[2])
		}
		e, ok := s.Bridge().Connect(bridge.Connection{Source: args[0], Target: args[1], Type: t})
		if !ok {
			return false, written(out, s, "")
		}
		fmt.Fprintf(out, "edge %s\n", e.ID)

	case "content":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: content <id> <text>")
		}
		if lock, ok := s.Coordinator().Holder(args[0]); ok && lock.ByID != s.Config().User.UserID {
			warnf(out, "%s is editing this node\n", lock.Name)
		}
		return false, written(out, s, boolMsg(engine.UpdateNodeContent(args[0], rest(2)), "updated"))

	case "move":
		if len(args) != 3 {
			return false, fmt.Errorf("usage: move <id> <x> <y>")
		}
		x, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return false, err
		}
		y, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return false, err
		}
		pos := graph.Position{X: x, Y: y}
		s.Bridge().OnNodesChange([]bridge.NodeChange{{Kind: bridge.NodePosition, ID: args[0], Position: &pos}})
		s.Bridge().FlushPending()

	case "dup":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: dup <id>")
		}
		n, ok := engine.DuplicateNodeWithConnections(args[0], graph.Position{X: 40, Y: 40})
		if !ok {
			return false, written(out, s, "")
		}
		fmt.Fprintf(out, "duplicated as %s\n", n.ID)

	case "object":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: object <edgeId>")
		}
		ed, ok := engine.Edge(args[0])
		if !ok {
			return false, fmt.Errorf("edge %s not found", args[0])
		}
		pos := graph.AnchorPosition(s.Doc(), ed).Add(graph.Position{X: 0, Y: 120})
		n, ok := engine.AddObjectionForEdge(args[0], pos)
		if !ok {
			return false, written(out, s, "")
		}
		fmt.Fprintf(out, "objection %s\n", n.ID)

	case "rm":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: rm <id>")
		}
		if _, ok := engine.Edge(args[0]); ok {
			return false, written(out, s, boolMsg(engine.DeleteEdge(args[0]), "deleted"))
		}
		return false, written(out, s, boolMsg(engine.DeleteNode(args[0]), "deleted"))

	case "lock":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: lock <id>")
		}
		if holder, ok := s.Coordinator().AcquireLock(args[0], presence.LockEdit); !ok {
			warnf(out, "locked by %s\n", holder.Name)
		}
	case "unlock":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: unlock <id>")
		}
		s.Coordinator().ReleaseLock(args[0])

	case "undo":
		fmt.Fprintln(out, boolMsg(s.Undo().Undo(), "undone"))
	case "redo":
		fmt.Fprintln(out, boolMsg(s.Undo().Redo(), "redone"))
	case "save":
		fmt.Fprintln(out, boolMsg(s.Save(), "saved"))

	case "nodes":
		printNodes(out, s.View().Nodes(), s.Coordinator().Locks())
	case "edges":
		printEdges(out, s.View().Edges())
	case "peers":
		printPeers(out, s.Presence(), s.Coordinator().Identity())
	case "stats":
		printStats(out, s.Stats())

	default:
		return false, fmt.Errorf("unknown command %q, type help", parts[0])
	}
	return false, nil
}

// written 在写入被拒绝时提示原因：只读或不是领导者时引擎静默忽略写入。
func written(out io.Writer, s *session.Session, msg string) error {
	if !s.CanWrite() {
		warnf(out, "read only: this tab is not the leader for %s\n", s.Config().User.UserID)
		return nil
	}
	if msg == "" || msg == "no change" {
		fmt.Fprintln(out, "no change")
		return nil
	}
	fmt.Fprintln(out, msg)
	return nil
}

func boolMsg(ok bool, msg string) string {
	if ok {
		return msg
	}
	return "no change"
}
