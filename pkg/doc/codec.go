package doc

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const updateVersion = 1

type wireUpdate struct {
	Version int  `msgpack:"v"`
	Ops     []Op `msgpack:"ops"`
}

func encodeUpdate(ops []Op) ([]byte, error) {
	data, err := msgpack.Marshal(&wireUpdate{Version: updateVersion, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) ([]Op, error) {
	var u wireUpdate
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	if u.Version != updateVersion {
		return nil, fmt.Errorf("decode update: unsupported version %d", u.Version)
	}
	return u.Ops, nil
}

// EncodeStateVector 编码状态向量。
func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return encodeValue(map[string]uint64(sv))
}

// DecodeStateVector 解码状态向量。
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(data) == 0 {
		return sv, nil
	}
	if err := msgpack.Unmarshal(data, (*map[string]uint64)(&sv)); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}

// UpdateOps 返回增量中包含的操作，供调试工具展示。
func UpdateOps(update []byte) ([]Op, error) {
	return decodeUpdate(update)
}

// encodeValue 以排序后的 map 键编码字段值，保证相同取值得到相同字节。
func encodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeValue 以文档内部格式编码字段值。
func EncodeValue(v any) ([]byte, error) {
	return encodeValue(v)
}

// DecodeValue 解码字段值。
func DecodeValue(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
