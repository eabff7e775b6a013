package presence

// Resolve 决定同一节点上已有锁 existing 与新声明 incoming 的胜者，结果与到达顺序无关：
//
//  1. 同一会话的同一标签页：合并，取较新的时间戳和更具体的交互类型。
//  2. 已有锁属于本地用户（其他标签页），新声明来自其他用户：其他用户胜出。
//  3. 已有锁属于其他用户，新声明来自本地用户的其他标签页：保留已有锁。
//  4. 本标签页的活跃声明与本地用户其他标签页的声明冲突：活跃标签页胜出。
//  5. 其余情况保留已有锁，调用方按连接 ID 升序合并以保证确定性。
func Resolve(existing, incoming Lock, self Identity, active bool) Lock {
	if existing.SessionID == incoming.SessionID && existing.TabID == incoming.TabID {
		merged := existing
		if incoming.TS > existing.TS {
			merged = incoming
		}
		if existing.Kind.specificity() > merged.Kind.specificity() {
			merged.Kind = existing.Kind
		}
		if incoming.Kind.specificity() > merged.Kind.specificity() {
			merged.Kind = incoming.Kind
		}
		return merged
	}
	if existing.ByID == self.UserID && incoming.ByID != self.UserID {
		return incoming
	}
	if existing.ByID != self.UserID && incoming.ByID == self.UserID {
		return existing
	}
	if active && self.owns(existing) && incoming.ByID == self.UserID {
		return existing
	}
	if active && self.owns(incoming) && existing.ByID == self.UserID {
		return incoming
	}
	return existing
}
