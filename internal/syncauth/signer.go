// Package syncauth authenticates sync-agent writes to the record store.
//
// A Signature binds a canonical mutation body to a timestamp and a
// single-use nonce with HMAC-SHA256. The record store re-derives the body
// from the mutation it is about to apply, verifies the signature, checks
// the nonce and marks it used only after the mutation commits.
package syncauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header names carrying a Signature over HTTP.
const (
	HeaderTimestamp = "X-Sync-Timestamp"
	HeaderNonce     = "X-Sync-Nonce"
	HeaderSignature = "X-Sync-Signature"
)

// DefaultMaxSkew is the tolerated distance between a signature's timestamp
// and the verifier's clock.
const DefaultMaxSkew = 300 * time.Second

// ErrEmptySecret is returned by Sign when no secret is configured.
var ErrEmptySecret = errors.New("syncauth: empty secret")

// Signature authenticates one mutation body.
type Signature struct {
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	MAC       string `json:"mac"`
}

// Apply writes the signature into h.
func (s Signature) Apply(h http.Header) {
	h.Set(HeaderTimestamp, s.Timestamp)
	h.Set(HeaderNonce, s.Nonce)
	h.Set(HeaderSignature, s.MAC)
}

// FromHeader extracts a signature from h. ok is false when any part is
// missing.
func FromHeader(h http.Header) (sig Signature, ok bool) {
	sig = Signature{
		Timestamp: h.Get(HeaderTimestamp),
		Nonce:     h.Get(HeaderNonce),
		MAC:       h.Get(HeaderSignature),
	}
	return sig, sig.Timestamp != "" && sig.Nonce != "" && sig.MAC != ""
}

// Signer produces signatures with a shared secret.
type Signer struct {
	Secret string
	// Now defaults to time.Now.
	Now func() time.Time
	// NewNonce defaults to a random UUID.
	NewNonce func() string
}

// Sign canonicalizes body and signs it.
func (s Signer) Sign(body any) (Signature, error) {
	if s.Secret == "" {
		return Signature{}, ErrEmptySecret
	}
	canon, err := Canonicalize(body)
	if err != nil {
		return Signature{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	nonce := uuid.NewString()
	if s.NewNonce != nil {
		nonce = s.NewNonce()
	}
	ts := strconv.FormatInt(now().Unix(), 10)
	return Signature{
		Timestamp: ts,
		Nonce:     nonce,
		MAC:       hex.EncodeToString(mac(s.Secret, ts, nonce, canon)),
	}, nil
}

// Verifier checks signatures with a shared secret.
type Verifier struct {
	Secret string
	// MaxSkew defaults to DefaultMaxSkew.
	MaxSkew time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Verify reports whether sig is a valid signature of body. It fails closed:
// an empty secret, a malformed signature, a timestamp outside the skew
// window, an uncanonicalizable body or a MAC mismatch all return false.
func (v Verifier) Verify(body any, sig Signature) bool {
	if v.Secret == "" || sig.Nonce == "" || sig.MAC == "" {
		return false
	}
	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig.MAC)
	if err != nil || len(got) != sha256.Size {
		return false
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	delta := now().Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(skew/time.Second) {
		return false
	}

	canon, err := Canonicalize(body)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(v.Secret, sig.Timestamp, sig.Nonce, canon))
}

// Sign signs body with secret using the wall clock and a random nonce.
func Sign(body any, secret string) (Signature, error) {
	return Signer{Secret: secret}.Sign(body)
}

// Verify checks sig against body and secret using the wall clock.
func Verify(body any, sig Signature, secret string, maxSkew time.Duration) bool {
	return Verifier{Secret: secret, MaxSkew: maxSkew}.Verify(body, sig)
}

func mac(secret, ts, nonce string, canon []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts))
	m.Write([]byte{'.'})
	m.Write([]byte(nonce))
	m.Write([]byte{'.'})
	m.Write(canon)
	return m.Sum(nil)
}
