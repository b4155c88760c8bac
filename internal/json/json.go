package json

import (
	"github.com/bytedance/sonic"
)

// api 为整个项目统一使用的 sonic 配置。
//
// 说明：
//   - 使用 ConfigStd 以保持与标准库 encoding/json 一致的行为（键排序、转义等），
//     保证对外协议字节层面的稳定性；
//   - 各包不要直接引用 sonic，统一通过本包进行编解码，便于将来整体替换实现。
var api = sonic.ConfigStd

// Marshal 将任意对象编码为 JSON 字节序列。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal 将 JSON 字节序列解码到目标对象。
//
// v 通常为指针类型，用于接收解码结果。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
