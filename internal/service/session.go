package service

import "context"

// Session 一条可沿其发送回复的入站会话
type Session interface {
	VerKey() string
	Send(ctx context.Context, payload []byte) error
}

// SessionResolver 按 verkey 查找已打开的回复会话
type SessionResolver interface {
	SessionForKey(key string) (Session, bool)
}
