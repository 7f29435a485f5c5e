package domain

// Target 出站消息的投递目标（已解析的密钥信息）
type Target struct {
	RecipientKeys []string `json:"recipient_keys"`
	RoutingKeys   []string `json:"routing_keys,omitempty"`
	SenderKey     string   `json:"sender_key,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
}

// OutboundMessage 宿主运行时无法实时投递的出站消息。
//
// EncPayload 为最终的加密信封；为空时需要先由信封编码器生成。
type OutboundMessage struct {
	Payload    string   `json:"payload,omitempty"`
	EncPayload string   `json:"enc_payload,omitempty"`
	Targets    []Target `json:"target_list,omitempty"`
}

// UndeliverableEvent 出站消息实时投递失败的通知
type UndeliverableEvent struct {
	Topic    string          `json:"topic"`
	Outbound OutboundMessage `json:"payload"`
}

// UndeliverableTopic 宿主运行时发布的事件主题
const UndeliverableTopic = "acapy::outbound-message::undeliverable"
