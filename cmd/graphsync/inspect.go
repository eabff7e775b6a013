package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/sanity-io/litter"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
	"github.com/network-goods-institute/negation-game-sub014/pkg/store"
)

// runInspect 列出数据目录中的文档，或以 litter 格式输出单个文档的内容。
func runInspect(out io.Writer, dir, docID string) error {
	kv, err := store.OpenBadger(dir)
	if err != nil {
		return err
	}
	defer kv.Close()
	docs := store.NewDocuments(kv)

	if docID == "" {
		ids, err := docs.List()
		if err != nil {
			return err
		}
		sort.Strings(ids)
		for _, id := range ids {
			info, err := docs.Info(id)
			if err != nil {
				return err
			}
			bold.Fprintf(out, "%-24s", id)
			fmt.Fprintf(out, " snapshot %6d bytes, saved %s, update seq %d\n",
				info.Size, info.SavedAt.Format("2006-01-02 15:04:05"), info.NextSeq)
		}
		if len(ids) == 0 {
			dim.Fprintln(out, "(no documents)")
		}
		return nil
	}

	d, err := loadDoc(docs, docID)
	if err != nil {
		return err
	}
	dump := d.Materialize()
	fmt.Fprintf(out, "%d nodes, %d edges, %d pending ops\n", len(dump.Nodes), len(dump.Edges), d.Pending())
	sq := litter.Options{HidePrivateFields: true, HideZeroValues: true}
	fmt.Fprintln(out, sq.Sdump(dump))
	return nil
}

func loadDoc(docs *store.Documents, id string) (*doc.Doc, error) {
	snapshot, updates, err := docs.Load(id)
	if err != nil {
		return nil, err
	}
	d := doc.New(doc.WithClientID("inspect"))
	if snapshot != nil {
		if err := d.ApplyUpdate(snapshot, doc.OriginRemote); err != nil {
			return nil, fmt.Errorf("apply snapshot: %w", err)
		}
	}
	for _, u := range updates {
		if err := d.ApplyUpdate(u, doc.OriginRemote); err != nil {
			return nil, fmt.Errorf("apply update: %w", err)
		}
	}
	return d, nil
}
