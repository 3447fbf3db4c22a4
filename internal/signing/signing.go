// Package signing implements Ed25519 signatures on rpc.call frames.
// The region signs every call it issues; racks configured with the region's
// public key verify them and refuse anything unsigned, stale or replayed.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxTimestampAge is the maximum age of a signed frame before it's rejected.
const MaxTimestampAge = 30 * time.Second

// signingFields are the frame keys added by Sign and excluded from the signed payload.
var signingFields = []string{"signature", "timestamp", "nonce", "origin"}

// SignedEnvelope holds the signing fields of a frame.
type SignedEnvelope struct {
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// SignedPayload is the canonical structure that gets signed.
type SignedPayload struct {
	Frame     json.RawMessage `json:"frame"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Origin    string          `json:"origin"`
}

// Signer signs outgoing call frames with the region's private key.
type Signer struct {
	privKey ed25519.PrivateKey
	origin  string
	now     func() time.Time
}

// NewSigner creates a Signer. origin identifies the region in signed frames.
func NewSigner(privKey ed25519.PrivateKey, origin string) *Signer {
	return &Signer{privKey: privKey, origin: origin, now: time.Now}
}

// Sign adds a timestamp, a fresh nonce and the signature to frame.
func (s *Signer) Sign(frame []byte) ([]byte, error) {
	return Sign(s.privKey, frame, s.now().Unix(), uuid.NewString(), s.origin)
}

// Verifier checks Ed25519 signatures on incoming frames.
type Verifier struct {
	pubKey     ed25519.PublicKey
	nonceStore *NonceStore
}

// NewVerifier creates a Verifier with the given Ed25519 public key.
func NewVerifier(pubKey ed25519.PublicKey) *Verifier {
	return &Verifier{
		pubKey:     pubKey,
		nonceStore: NewNonceStore(MaxTimestampAge * 2),
	}
}

// ParsePublicKey decodes a hex or base64-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeKey(s, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return ed25519.PublicKey(b), nil
}

// ParsePrivateKey decodes a hex or base64-encoded Ed25519 private key, given
// either as the 32-byte seed or the 64-byte expanded key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	if b, err := decodeKey(s, ed25519.PrivateKeySize); err == nil {
		return ed25519.PrivateKey(b), nil
	}
	seed, err := decodeKey(s, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodeKey(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}

	if len(s) == size*2 {
		b, err := hex.DecodeString(s)
		if err == nil {
			return b, nil
		}
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == size {
			return b, nil
		}
	}

	return nil, fmt.Errorf("must be %d bytes, hex or base64 encoded", size)
}

// VerificationResult contains the outcome of signature verification.
type VerificationResult struct {
	Valid     bool
	Reason    string
	Origin    string
	Timestamp int64
}

// Verify checks the signature, timestamp, and nonce of a raw JSON frame and
// returns the frame with the signing fields removed.
func (v *Verifier) Verify(raw []byte) (frame []byte, result VerificationResult) {
	var env SignedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, VerificationResult{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if env.Signature == "" {
		return nil, VerificationResult{Reason: "missing signature"}
	}
	if env.Nonce == "" {
		return nil, VerificationResult{Reason: "missing nonce"}
	}

	result.Origin = env.Origin
	result.Timestamp = env.Timestamp

	age := time.Now().Unix() - env.Timestamp
	if age < 0 {
		age = -age
	}
	if age > int64(MaxTimestampAge.Seconds()) {
		result.Reason = fmt.Sprintf("timestamp too old or in future: age=%ds, max=%ds", age, int64(MaxTimestampAge.Seconds()))
		return nil, result
	}

	if !v.nonceStore.Add(env.Nonce) {
		result.Reason = "duplicate nonce (replay detected)"
		return nil, result
	}

	frame = stripSigningFields(raw)
	canonical, err := json.Marshal(SignedPayload{
		Frame:     json.RawMessage(frame),
		Timestamp: env.Timestamp,
		Nonce:     env.Nonce,
		Origin:    env.Origin,
	})
	if err != nil {
		result.Reason = fmt.Sprintf("failed to build canonical payload: %v", err)
		return nil, result
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		sig, err = base64.RawStdEncoding.DecodeString(env.Signature)
		if err != nil {
			result.Reason = "invalid signature encoding"
			return nil, result
		}
	}

	if !ed25519.Verify(v.pubKey, canonical, sig) {
		result.Reason = "signature verification failed"
		return nil, result
	}

	result.Valid = true
	return frame, result
}

// stripSigningFields removes the signing keys from the JSON object.
func stripSigningFields(raw []byte) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	for _, k := range signingFields {
		delete(m, k)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// Sign creates a signed frame.
func Sign(privKey ed25519.PrivateKey, frame []byte, timestamp int64, nonce, origin string) ([]byte, error) {
	// Normalize (sorted keys, no signing fields) to match verification
	frame = stripSigningFields(frame)
	canonical, err := json.Marshal(SignedPayload{
		Frame:     json.RawMessage(frame),
		Timestamp: timestamp,
		Nonce:     nonce,
		Origin:    origin,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	sig := ed25519.Sign(privKey, canonical)

	var m map[string]json.RawMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	m["signature"] = mustMarshal(base64.StdEncoding.EncodeToString(sig))
	m["timestamp"] = mustMarshal(timestamp)
	m["nonce"] = mustMarshal(nonce)
	m["origin"] = mustMarshal(origin)

	return json.Marshal(m)
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// NonceStore tracks seen nonces with TTL-based expiration.
type NonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	ttl    time.Duration
	lastGC time.Time
}

// NewNonceStore creates a nonce store with the given TTL.
func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		nonces: make(map[string]time.Time),
		ttl:    ttl,
		lastGC: time.Now(),
	}
}

// Add tries to add a nonce. Returns true if new, false if replay.
func (ns *NonceStore) Add(nonce string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := time.Now()
	if now.Sub(ns.lastGC) > ns.ttl {
		for k, t := range ns.nonces {
			if now.Sub(t) > ns.ttl {
				delete(ns.nonces, k)
			}
		}
		ns.lastGC = now
	}

	if _, exists := ns.nonces[nonce]; exists {
		return false
	}
	ns.nonces[nonce] = now
	return true
}
