package envelope

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// ForwardType 路由协议的转发消息类型
const ForwardType = "https://didcomm.org/routing/1.0/forward"

// Encoder 将明文消息打包为最终的加密信封
type Encoder interface {
	Pack(ctx context.Context, payload []byte, recipientKeys, routingKeys []string, senderKey string) ([]byte, error)
}

// forward 路由转发消息
type forward struct {
	Type string          `json:"@type"`
	ID   string          `json:"@id"`
	To   string          `json:"to"`
	Msg  json.RawMessage `json:"msg"`
}

// AnoncryptPacker 匿名加密打包器。
//
// 内容以 XChaCha20-Poly1305 加密，内容密钥用 sealed box 分别封装给每个接收方。
// 匿名加密不需要发送方私钥，因此 senderKey 被忽略。
type AnoncryptPacker struct {
	rand io.Reader
}

var _ Encoder = (*AnoncryptPacker)(nil)

// NewAnoncryptPacker 创建匿名加密打包器
func NewAnoncryptPacker() *AnoncryptPacker {
	return &AnoncryptPacker{rand: rand.Reader}
}

// Pack 为接收方打包消息，并按路由密钥顺序逐层包装转发消息
func (p *AnoncryptPacker) Pack(ctx context.Context, payload []byte, recipientKeys, routingKeys []string, _ string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("%w: no recipient keys", ErrInvalidEnvelope)
	}

	packed, err := p.pack(payload, recipientKeys)
	if err != nil {
		return nil, err
	}

	to := recipientKeys[0]
	for _, routingKey := range routingKeys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fwd, err := json.Marshal(forward{
			Type: ForwardType,
			ID:   uuid.NewString(),
			To:   to,
			Msg:  packed,
		})
		if err != nil {
			return nil, err
		}
		if packed, err = p.pack(fwd, []string{routingKey}); err != nil {
			return nil, err
		}
		to = routingKey
	}
	return packed, nil
}

func (p *AnoncryptPacker) pack(payload []byte, recipientKeys []string) ([]byte, error) {
	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(p.rand, cek); err != nil {
		return nil, err
	}

	recipients := make([]Recipient, 0, len(recipientKeys))
	for _, verkey := range recipientKeys {
		curve, err := VerkeyToCurve25519(verkey)
		if err != nil {
			return nil, err
		}
		sealed, err := box.SealAnonymous(nil, cek, &curve, p.rand)
		if err != nil {
			return nil, fmt.Errorf("seal content key for %s: %w", verkey, err)
		}
		recipients = append(recipients, Recipient{
			EncryptedKey: EncodeSegment(sealed),
			Header:       RecipientHeader{KID: verkey},
		})
	}

	protectedJSON, err := json.Marshal(ProtectedHeader{
		Enc:        "xchacha20poly1305_ietf",
		Typ:        "JWM/1.0",
		Alg:        "Anoncrypt",
		Recipients: recipients,
	})
	if err != nil {
		return nil, err
	}
	protected := EncodeSegment(protectedJSON)

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, payload, []byte(protected))
	split := len(sealed) - aead.Overhead()

	return json.Marshal(Envelope{
		Protected:  protected,
		IV:         EncodeSegment(nonce),
		Ciphertext: EncodeSegment(sealed[:split]),
		Tag:        EncodeSegment(sealed[split:]),
	})
}

// VerkeyToCurve25519 将 base58 编码的 Ed25519 verkey 转换为 X25519 公钥
func VerkeyToCurve25519(verkey string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(verkey)
	if err != nil {
		return out, fmt.Errorf("%w: verkey %q: %v", ErrInvalidEnvelope, verkey, err)
	}
	point, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return out, fmt.Errorf("%w: verkey %q: %v", ErrInvalidEnvelope, verkey, err)
	}
	copy(out[:], point.BytesMontgomery())
	return out, nil
}
