package crdt

// Splice 描述一次最小文本替换：在 Index 处删除 Delete 个 rune 后插入 Insert。
type Splice struct {
	Index  int
	Delete int
	Insert string
}

// Empty 判断替换是否为空操作。
func (s Splice) Empty() bool {
	return s.Delete == 0 && s.Insert == ""
}

// Diff 计算把 from 变为 to 的单段替换（公共前缀 + 公共后缀之外的部分）。
// 下标以 rune 计。
func Diff(from, to string) Splice {
	a, b := []rune(from), []rune(to)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	return Splice{
		Index:  prefix,
		Delete: len(a) - prefix - suffix,
		Insert: string(b[prefix : len(b)-suffix]),
	}
}
