package domain

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// MessageID 根据加密后的消息内容计算消息标识。
//
// 标识为 sha256 摘要的 base58 编码，相同字节总是得到相同标识，
// 用作邮箱内去重键、投递附件 ID 以及确认回执中的引用。
func MessageID(msg []byte) string {
	sum := sha256.Sum256(msg)
	return base58.Encode(sum[:])
}

// MessageIDString 对字符串形式的消息按 UTF-8 字节计算标识。
func MessageIDString(msg string) string {
	return MessageID([]byte(msg))
}
