package domain

import (
	"encoding/base64"
	"fmt"
)

// AttachData 附件数据载荷
type AttachData struct {
	Base64 string `json:"base64"`
}

// Attach 表示协议消息中的 ~attach 附件条目。
// 附件标识在线路上的键名是 "@id"，与其他 DIDComm 装饰器保持一致。
type Attach struct {
	ID       string     `json:"@id"` // 消息标识，见 MessageID
	MimeType string     `json:"mime-type,omitempty"`
	Data     AttachData `json:"data"`
}

// NewBase64Attach 以 base64 形式包装一条排队消息。
func NewBase64Attach(id string, value []byte) Attach {
	return Attach{
		ID:       id,
		MimeType: "application/json",
		Data:     AttachData{Base64: base64.StdEncoding.EncodeToString(value)},
	}
}

// Content 解码附件内容。
func (a Attach) Content() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(a.Data.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode attachment %s: %w", a.ID, err)
	}
	return raw, nil
}
