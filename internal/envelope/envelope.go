// Package envelope 处理 DIDComm v1 打包信封：读取受保护头部中的接收方，
// 以及在出站消息缺少加密形式时生成匿名加密信封。
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope 信封格式不正确
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope 打包后的加密信封（JWE 风格）
type Envelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// ProtectedHeader 受保护头部
type ProtectedHeader struct {
	Enc        string      `json:"enc"`
	Typ        string      `json:"typ"`
	Alg        string      `json:"alg"`
	Recipients []Recipient `json:"recipients"`
}

// Recipient 单个接收方的密钥封装
type Recipient struct {
	EncryptedKey string          `json:"encrypted_key"`
	Header       RecipientHeader `json:"header"`
}

// RecipientHeader 接收方头部，kid 为接收方 verkey
type RecipientHeader struct {
	KID    string `json:"kid"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

// ParseProtected 解析信封并解码受保护头部
func ParseProtected(enc []byte) (*Envelope, *ProtectedHeader, error) {
	var env Envelope
	if err := json.Unmarshal(enc, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Protected == "" {
		return nil, nil, fmt.Errorf("%w: missing protected header", ErrInvalidEnvelope)
	}

	raw, err := DecodeSegment(env.Protected)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: protected header: %v", ErrInvalidEnvelope, err)
	}
	var header ProtectedHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: protected header: %v", ErrInvalidEnvelope, err)
	}
	return &env, &header, nil
}

// RecipientKeys 返回信封受保护头部中列出的全部接收方 kid
func RecipientKeys(enc []byte) ([]string, error) {
	_, header, err := ParseProtected(enc)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(header.Recipients))
	for _, r := range header.Recipients {
		if r.Header.KID == "" {
			return nil, fmt.Errorf("%w: recipient without kid", ErrInvalidEnvelope)
		}
		keys = append(keys, r.Header.KID)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidEnvelope)
	}
	return keys, nil
}

// EncodeSegment 以带填充的 base64url 编码
func EncodeSegment(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeSegment 解码 base64url，填充可有可无
func DecodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
