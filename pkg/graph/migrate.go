package graph

import (
	"go.uber.org/zap"

	"github.com/network-goods-institute/negation-game-sub014/pkg/doc"
)

// MigrateLegacy 把旧文档中的 title 节点升级为 statement 节点，并用原有内容初始化文本序列。
// 只应由领导者在加载后执行一次；写入使用迁移来源，不进入撤销历史。返回迁移的节点数。
func (e *Engine) MigrateLegacy() int {
	if e.denied("migrate_legacy") {
		return 0
	}
	migrated := 0
	_, err := e.transact(doc.OriginMigration, "migrate_legacy", func(tx *doc.Tx, cs *changeSet) error {
		for _, rv := range tx.Records(doc.MapNodes) {
			if NodeType(rv.String(fieldType)) != NodeTitle {
				continue
			}
			statement := rv.String(fieldStatement)
			if statement == "" {
				statement = rv.String(fieldContent)
			}
			if _, err := tx.Set(doc.MapNodes, rv.Key, fieldType, string(NodeStatement)); err != nil {
				return err
			}
			if statement != "" {
				if _, err := tx.Set(doc.MapNodes, rv.Key, fieldStatement, statement); err != nil {
					return err
				}
			}
			if text, ok := tx.Text(rv.Key); !ok || text == "" {
				if _, err := tx.SetText(rv.Key, statement); err != nil {
					return err
				}
			}
			cs.nodes = append(cs.nodes, rv.Key)
			migrated++
		}
		return nil
	})
	if err != nil {
		return 0
	}
	if migrated > 0 {
		e.logger.Info("legacy nodes migrated", zap.Int("count", migrated))
	}
	return migrated
}
