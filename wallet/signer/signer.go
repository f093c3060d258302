package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	eciesgo "github.com/ecies/go/v2"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

const derivationLabel = "spark-wallet/leaf/v1"

// Signer holds the wallet master secret and produces per-leaf keys and
// partial signatures. It never touches the network or the ledger; the only
// state beyond the secret is session deadline bookkeeping.
type Signer struct {
	mu       sync.Mutex
	seed     []byte
	identity keys.Private
	sessions map[string]*Session
	closed   bool
}

// New creates a Signer from the wallet master seed. The seed is copied; the
// caller should zero its own copy.
func New(masterSeed []byte) (*Signer, error) {
	if len(masterSeed) < 16 {
		return nil, fmt.Errorf("master seed must be at least 16 bytes, got %d", len(masterSeed))
	}
	seed := make([]byte, len(masterSeed))
	copy(seed, masterSeed)

	s := &Signer{
		seed:     seed,
		sessions: make(map[string]*Session),
	}
	identity, err := s.deriveFromLabels("identity")
	if err != nil {
		return nil, err
	}
	s.identity = identity
	return s, nil
}

// Close zeroizes the master seed and invalidates all sessions. Any further
// derivation or signing fails with KeyUnavailable.
func (s *Signer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.seed {
		s.seed[i] = 0
	}
	s.seed = nil
	s.identity = keys.Private{}
	s.sessions = nil
	s.closed = true
}

// IdentityKey returns the wallet's identity public key.
func (s *Signer) IdentityKey() (keys.Public, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keys.Public{}, walleterrors.FailedPreconditionKeyUnavailable(fmt.Errorf("signer is closed"))
	}
	return s.identity.Public(), nil
}

// SignWithIdentityKey signs a 32-byte digest with the wallet identity key and
// returns the DER-encoded ECDSA signature.
func (s *Signer) SignWithIdentityKey(digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, walleterrors.InvalidArgumentMalformedField(fmt.Errorf(
			"identity signature digest must be %d bytes, got %d", sha256.Size, len(digest)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, walleterrors.FailedPreconditionKeyUnavailable(fmt.Errorf("signer is closed"))
	}
	return ecdsa.Sign(s.identity.ToBTCEC(), digest).Serialize(), nil
}

// DecryptWithIdentityKey decrypts an ecies ciphertext addressed to the wallet
// identity key. Used to recover the new leaf key of an inbound transfer.
func (s *Signer) DecryptWithIdentityKey(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, walleterrors.FailedPreconditionKeyUnavailable(fmt.Errorf("signer is closed"))
	}
	plaintext, err := eciesgo.Decrypt(eciesgo.NewPrivateKeyFromBytes(s.identity.Serialize()), ciphertext)
	if err != nil {
		return nil, walleterrors.FailedPreconditionBadSignature(fmt.Errorf("decrypting leaf secret: %w", err))
	}
	return plaintext, nil
}

// DeriveKey derives the leaf key for a tree position. Pure function of the
// master seed and the position: the same position always yields the same key.
func (s *Signer) DeriveKey(treePosition string) (keys.Private, error) {
	if treePosition == "" {
		return keys.Private{}, walleterrors.FailedPreconditionKeyUnavailable(fmt.Errorf("tree position is empty"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keys.Private{}, walleterrors.FailedPreconditionKeyUnavailable(fmt.Errorf("signer is closed"))
	}
	return s.deriveFromLabels(append([]string{"leaf"}, strings.Split(treePosition, "/")...)...)
}

// deriveFromLabels chains HMAC-SHA256 over the labels, starting from the
// seed-keyed label digest, and reduces the final digest to a scalar.
// Callers hold the lock.
func (s *Signer) deriveFromLabels(labels ...string) (keys.Private, error) {
	mac := hmac.New(sha256.New, s.seed)
	mac.Write([]byte(derivationLabel))
	state := mac.Sum(nil)
	for _, label := range labels {
		mac := hmac.New(sha256.New, state)
		mac.Write([]byte(label))
		state = mac.Sum(nil)
	}

	// The digest overflows the group order or reduces to zero with
	// probability ~2^-128; re-hash until it fits.
	for {
		var scalar secp256k1.ModNScalar
		overflow := scalar.SetByteSlice(state)
		if !overflow && !scalar.IsZero() {
			return keys.PrivateKeyFromScalar(&scalar)
		}
		mac := hmac.New(sha256.New, state)
		mac.Write([]byte("retry"))
		state = mac.Sum(nil)
	}
}

// StartSession registers a signing session. At most one session exists per
// id; starting an existing id returns the session already in place so
// idempotent retries do not reset round state.
func (s *Signer) StartSession(id string, participants []string, threshold int, deadline time.Time) (*Session, error) {
	if threshold <= 0 || threshold > len(participants) {
		return nil, fmt.Errorf("threshold %d is not satisfiable by %d participants", threshold, len(participants))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, walleterrors.FailedPreconditionKeyUnavailable(fmt.Errorf("signer is closed"))
	}
	if session, ok := s.sessions[id]; ok {
		return session, nil
	}
	session := newSession(id, participants, threshold, deadline)
	s.sessions[id] = session
	return session, nil
}

// Session returns an open session by id.
func (s *Signer) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, walleterrors.NotFoundMissingEntity(fmt.Errorf("signing session %s not found", id))
	}
	return session, nil
}

// EndSession drops a session. Called on completion and on failure; dropping
// an unknown id is a no-op.
func (s *Signer) EndSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SignPartial produces this wallet's share of the aggregate signature over
// message for the leaf at treePosition, in the given session. The share and
// this wallet's nonce commitment are bound to the session; repeated calls
// with the same message return the same share, so retried rounds do not leak
// a second nonce.
func (s *Signer) SignPartial(sessionID string, message []byte, treePosition string) (*SignatureShare, error) {
	if len(message) == 0 {
		return nil, walleterrors.InvalidArgumentMissingField(fmt.Errorf("signing message is empty"))
	}
	session, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}
	key, err := s.DeriveKey(treePosition)
	if err != nil {
		return nil, err
	}
	return session.signPartial(message, key)
}
