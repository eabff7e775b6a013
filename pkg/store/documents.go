package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// 键布局：
//
//	doc/<id>/snapshot      最近一次快照
//	doc/<id>/info          DocumentInfo
//	doc/<id>/u/<seq>       快照之后追加的增量，seq 为大端 uint64
const docPrefix = "doc/"

// ErrDocumentNotFound 在文档既没有快照也没有增量时返回。
var ErrDocumentNotFound = errors.New("store: document not found")

// DocumentInfo 是文档的持久化元信息。
type DocumentInfo struct {
	ID        string    `msgpack:"id"`
	SavedAt   time.Time `msgpack:"savedAt"`
	Size      int       `msgpack:"size"`
	NextSeq   uint64    `msgpack:"nextSeq"`
	Snapshots uint64    `msgpack:"snapshots"`
}

// Documents 在 Store 之上保存文档快照与增量日志。
type Documents struct {
	store Store
	now   func() time.Time
}

// NewDocuments 创建文档存储。
func NewDocuments(s Store) *Documents {
	return &Documents{store: s, now: time.Now}
}

func snapshotKey(id string) []byte { return []byte(docPrefix + id + "/snapshot") }
func infoKey(id string) []byte     { return []byte(docPrefix + id + "/info") }
func updatePrefix(id string) []byte {
	return []byte(docPrefix + id + "/u/")
}

func updateKey(id string, seq uint64) []byte {
	key := updatePrefix(id)
	return binary.BigEndian.AppendUint64(key, seq)
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("store: invalid document id %q", id)
	}
	return nil
}

func readInfo(tx Tx, id string) (DocumentInfo, error) {
	raw, err := tx.Get(infoKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return DocumentInfo{ID: id}, nil
	}
	if err != nil {
		return DocumentInfo{}, err
	}
	var info DocumentInfo
	if err := msgpack.Unmarshal(raw, &info); err != nil {
		return DocumentInfo{}, fmt.Errorf("decode document info: %w", err)
	}
	return info, nil
}

func writeInfo(tx Tx, info DocumentInfo) error {
	raw, err := msgpack.Marshal(&info)
	if err != nil {
		return err
	}
	return tx.Set(infoKey(info.ID), raw)
}

// SaveSnapshot 写入完整快照并清除已被快照覆盖的增量。
func (d *Documents) SaveSnapshot(id string, snapshot []byte) error {
	if err := validID(id); err != nil {
		return err
	}
	return d.store.Update(func(tx Tx) error {
		info, err := readInfo(tx, id)
		if err != nil {
			return err
		}
		var stale [][]byte
		err = tx.Scan(updatePrefix(id), func(key, _ []byte) error {
			stale = append(stale, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		if err := tx.Set(snapshotKey(id), snapshot); err != nil {
			return err
		}
		info.SavedAt = d.now()
		info.Size = len(snapshot)
		info.Snapshots++
		return writeInfo(tx, info)
	})
}

// AppendUpdate 追加一个增量。
func (d *Documents) AppendUpdate(id string, update []byte) error {
	if err := validID(id); err != nil {
		return err
	}
	return d.store.Update(func(tx Tx) error {
		info, err := readInfo(tx, id)
		if err != nil {
			return err
		}
		info.NextSeq++
		if err := tx.Set(updateKey(id, info.NextSeq), update); err != nil {
			return err
		}
		return writeInfo(tx, info)
	})
}

// Load 返回文档快照（可能为空）以及其后的全部增量。
func (d *Documents) Load(id string) (snapshot []byte, updates [][]byte, err error) {
	if err := validID(id); err != nil {
		return nil, nil, err
	}
	err = d.store.View(func(tx Tx) error {
		snapshot, err = tx.Get(snapshotKey(id))
		if errors.Is(err, ErrKeyNotFound) {
			snapshot, err = nil, nil
		}
		if err != nil {
			return err
		}
		return tx.Scan(updatePrefix(id), func(_, value []byte) error {
			updates = append(updates, value)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil && len(updates) == 0 {
		return nil, nil, ErrDocumentNotFound
	}
	return snapshot, updates, nil
}

// Info 返回文档元信息。
func (d *Documents) Info(id string) (DocumentInfo, error) {
	if err := validID(id); err != nil {
		return DocumentInfo{}, err
	}
	var info DocumentInfo
	err := d.store.View(func(tx Tx) error {
		var err error
		info, err = readInfo(tx, id)
		return err
	})
	return info, err
}

// List 返回已保存的文档 ID。
func (d *Documents) List() ([]string, error) {
	var ids []string
	err := d.store.View(func(tx Tx) error {
		return tx.Scan([]byte(docPrefix), func(key, _ []byte) error {
			rest := strings.TrimPrefix(string(key), docPrefix)
			if id, ok := strings.CutSuffix(rest, "/info"); ok {
				ids = append(ids, id)
			}
			return nil
		})
	})
	return ids, err
}

// Delete 删除文档的全部数据。
func (d *Documents) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	return d.store.Update(func(tx Tx) error {
		var keys [][]byte
		err := tx.Scan([]byte(docPrefix+id+"/"), func(key, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
