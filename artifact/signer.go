package artifact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/ekho-app/ekho/errors"
)

// ErrInvalidToken is returned for malformed, tampered or expired download tokens
var ErrInvalidToken = errors.New("invalid download token")

// Signer generates and validates signed download tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer keyed by secret
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign creates a token encoding the object path and its expiry.
func (s *Signer) Sign(objectPath string, expiry time.Time) string {
	payload := objectPath + "|" + strconv.FormatInt(expiry.Unix(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + s.mac(payload)
}

// Verify validates a token and returns the object path it grants.
func (s *Signer) Verify(token string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", errors.Wrap(ErrInvalidToken, "format")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, "encoding")
	}
	payload := string(payloadBytes)

	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return "", errors.Wrap(ErrInvalidToken, "signature")
	}

	i := strings.LastIndex(payload, "|")
	if i < 0 {
		return "", errors.Wrap(ErrInvalidToken, "payload")
	}
	expiry, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, "expiry")
	}
	if s.now().Unix() > expiry {
		return "", errors.Wrap(ErrInvalidToken, "expired")
	}
	return payload[:i], nil
}

func (s *Signer) mac(payload string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
