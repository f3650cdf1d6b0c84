// Package signature implements the request signing scheme of the vendor REST
// API: the payload is flattened into sorted key=value pairs, suffixed with the
// access key, a nonce and a millisecond timestamp, and signed with
// HMAC-SHA256 under the secret key.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signature is the result of one signing operation. It maps one-to-one onto
// the accessKey, nonce, timestamp and sign request headers.
type Signature struct {
	AccessKey string
	Nonce     string
	Timestamp string
	Sign      string
}

// Builder signs payloads for a single access key / secret key pair. It holds
// no mutable state and is safe for concurrent use.
type Builder struct {
	accessKey string
	secretKey []byte
	now       func() time.Time
	newNonce  func() string
}

// NewBuilder creates a Builder for the given identity.
func NewBuilder(accessKey, secretKey string) *Builder {
	return &Builder{
		accessKey: accessKey,
		secretKey: []byte(secretKey),
		now:       time.Now,
		newNonce:  uuid.NewString,
	}
}

// AccessKey returns the public half of the identity.
func (b *Builder) AccessKey() string {
	return b.accessKey
}

// String keeps the secret out of logs and fmt output.
func (b *Builder) String() string {
	return "signature.Builder{accessKey: " + b.accessKey + "}"
}

// CanonicalString flattens the payload and joins its leaves as key=value
// pairs separated by '&', keys sorted byte-wise ascending. A nil or empty
// payload yields "".
func CanonicalString(payload Value) (string, error) {
	if payload == nil {
		return "", nil
	}
	if _, isNull := payload.(Null); isNull {
		return "", nil
	}

	flat, err := Flatten(payload)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(text(flat[k]))
	}
	return sb.String(), nil
}

// SigningString appends the identity, nonce and timestamp suffix to a
// canonical string.
func SigningString(canonical, accessKey, nonce, timestamp string) string {
	suffix := "accessKey=" + accessKey + "&nonce=" + nonce + "&timestamp=" + timestamp
	if canonical == "" {
		return suffix
	}
	return canonical + "&" + suffix
}

// Sign signs the payload with a fresh nonce and the current time. Every call
// produces a new nonce; nothing is cached between calls.
func (b *Builder) Sign(payload Value) (Signature, error) {
	nonce := b.newNonce()
	timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
	return b.SignWith(payload, nonce, timestamp)
}

// SignAny converts a Go value with FromAny and signs it.
func (b *Builder) SignAny(payload any) (Signature, error) {
	value, err := FromAny(payload)
	if err != nil {
		return Signature{}, err
	}
	return b.Sign(value)
}

// SignJSON signs a JSON request body exactly as it will be sent.
func (b *Builder) SignJSON(body []byte) (Signature, error) {
	value, err := Parse(body)
	if err != nil {
		return Signature{}, err
	}
	return b.Sign(value)
}

// SignWith signs the payload with a caller supplied nonce and timestamp. The
// result depends only on the secret, the canonical string, the access key,
// the nonce and the timestamp.
func (b *Builder) SignWith(payload Value, nonce, timestamp string) (Signature, error) {
	canonical, err := CanonicalString(payload)
	if err != nil {
		return Signature{}, err
	}

	return Signature{
		AccessKey: b.accessKey,
		Nonce:     nonce,
		Timestamp: timestamp,
		Sign:      hmacHex(b.secretKey, SigningString(canonical, b.accessKey, nonce, timestamp)),
	}, nil
}

// Verify recomputes the signature for payload and compares it in constant time
// with sig.Sign.
func Verify(secretKey string, payload Value, sig Signature) (bool, error) {
	canonical, err := CanonicalString(payload)
	if err != nil {
		return false, err
	}
	expected := hmacHex([]byte(secretKey), SigningString(canonical, sig.AccessKey, sig.Nonce, sig.Timestamp))
	return hmac.Equal([]byte(expected), []byte(sig.Sign)), nil
}

func hmacHex(key []byte, message string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
