package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/internal/config"
	"github.com/network-goods-institute/negation-game-sub014/pkg/bridge"
	"github.com/network-goods-institute/negation-game-sub014/pkg/graph"
	"github.com/network-goods-institute/negation-game-sub014/pkg/presence"
	"github.com/network-goods-institute/negation-game-sub014/pkg/session"
	"github.com/network-goods-institute/negation-game-sub014/pkg/store"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport/memory"
)

// runDemo 在进程内跑两个用户的会话：并发编辑、断线后合并、级联删除，最后比较两个副本。
func runDemo(out io.Writer, cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := store.OpenBadger("", store.WithInMemory())
	if err != nil {
		return err
	}
	defer kv.Close()
	docs := store.NewDocuments(kv)

	cfg.Session.LeaderDelay = 0
	hub := memory.NewHub(logger.Named("hub"))
	open := func(user, name string) (*session.Session, *memory.Conn, error) {
		conn := hub.Connect()
		s, err := session.New(conn,
			session.WithConfig(cfg.SessionFor("demo", presence.Identity{UserID: user, Name: name})),
			session.WithSaver(docs),
			session.WithLoader(docs),
			session.WithScheduler(bridge.NewManualScheduler()),
			session.WithLogger(logger.Named(user)),
		)
		if err != nil {
			return nil, nil, err
		}
		s.Start(ctx)
		return s, conn, nil
	}

	alice, _, err := open("alice", "Alice")
	if err != nil {
		return err
	}
	defer alice.Stop()
	bob, bobConn, err := open("bob", "Bob")
	if err != nil {
		return err
	}
	defer bob.Stop()
	if !waitUntil(func() bool { return alice.CanWrite() && bob.CanWrite() }) {
		return fmt.Errorf("sessions did not become writable")
	}

	step := func(title string) { bold.Fprintf(out, "\n== %s\n", title) }

	step("alice creates a point; bob answers below it")
	p1 := graph.Node{ID: "p1", Type: graph.NodePoint, Data: graph.NodeData{Content: "Cities should ban cars downtown"}}
	alice.Bridge().OnNodesChange([]bridge.NodeChange{{Kind: bridge.NodeAdd, ID: p1.ID, Node: &p1}})
	waitUntil(func() bool { _, ok := bob.View().Node("p1"); return ok })
	reply, edge, _ := bob.Engine().CreateNodeBelow("p1", graph.CreateOptions{Data: graph.NodeData{Content: "Deliveries need access"}})
	waitUntil(func() bool { _, ok := alice.View().Edge(edge.ID); return ok })
	printEdges(out, alice.View().Edges())

	step("alice objects to bob's negation while bob is offline")
	bobConn.Disconnect()
	objection, _ := alice.Engine().AddObjectionForEdge(edge.ID, graph.Position{X: 200, Y: 300})
	bob.Engine().UpdateNodeContent(reply.ID, "Deliveries need early-morning access")
	bobConn.Reconnect()
	waitUntil(func() bool { _, ok := bob.View().Node(objection.ID); return ok })
	printNodes(out, bob.View().Nodes(), bob.Coordinator().Locks())

	step("bob deletes the negation; anchor and objection go with it")
	bob.Engine().DeleteEdge(edge.ID)
	waitUntil(func() bool { _, ok := alice.View().Node(objection.ID); return !ok })
	printNodes(out, alice.View().Nodes(), alice.Coordinator().Locks())

	step("bob undoes the delete; the whole cascade comes back")
	fmt.Fprintf(out, "alice can undo: %v, bob can undo: %v\n", alice.Undo().CanUndo(), bob.Undo().CanUndo())
	bob.Undo().Undo()
	waitUntil(func() bool { _, ok := alice.View().Edge(edge.ID); return ok })
	printEdges(out, alice.View().Edges())

	converged := waitUntil(func() bool {
		return fmt.Sprint(alice.Doc().Materialize()) == fmt.Sprint(bob.Doc().Materialize())
	})
	step("result")
	if converged {
		good.Fprintln(out, "replicas converged")
	} else {
		bad.Fprintln(out, "replicas diverged")
	}
	alice.Save()
	info, err := docs.Info("demo")
	if err == nil {
		fmt.Fprintf(out, "saved snapshot: %d bytes\n", info.Size)
	}
	return nil
}

func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
