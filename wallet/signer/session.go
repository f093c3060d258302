package signer

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

const challengeTag = "spark-wallet/challenge/v1"

// SignatureShare is one participant's contribution to an aggregate signature.
type SignatureShare struct {
	Share      []byte
	Commitment *Commitment
}

// Session is one multi-round signing exchange. Commitments from every
// participant are bound into the challenge before any share is produced, so
// no party can grind its nonce after seeing others' shares.
type Session struct {
	id           string
	participants []string
	threshold    int
	deadline     time.Time

	mu           sync.Mutex
	verifyingKey keys.Public
	commitments  map[string]*Commitment
	shares       map[string]secp256k1.ModNScalar
	nonce        *Nonce
	message      []byte
	ownShare     *SignatureShare
	round        int
}

func newSession(id string, participants []string, threshold int, deadline time.Time) *Session {
	return &Session{
		id:           id,
		participants: participants,
		threshold:    threshold,
		deadline:     deadline,
		commitments:  make(map[string]*Commitment),
		shares:       make(map[string]secp256k1.ModNScalar),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Round returns the number of completed message rounds.
func (s *Session) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Deadline returns the session's expiry time.
func (s *Session) Deadline() time.Time { return s.deadline }

func (s *Session) expired(now time.Time) error {
	if now.After(s.deadline) {
		return walleterrors.DeadlineExceededSessionExpired(fmt.Errorf(
			"signing session %s expired at %s", s.id, s.deadline.Format(time.RFC3339)))
	}
	return nil
}

// SetVerifyingKey binds the aggregate public key the final signature must
// verify against.
func (s *Session) SetVerifyingKey(key keys.Public) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyingKey = key
}

// AddCommitment records a participant's nonce commitment. All participant
// commitments must arrive before shares are produced.
func (s *Session) AddCommitment(participant string, commitment *Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expired(time.Now()); err != nil {
		return err
	}
	if !s.isParticipant(participant) {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"commitment from %s, who is not in session %s", participant, s.id))
	}
	if existing, ok := s.commitments[participant]; ok {
		if !bytes.Equal(existing.Binding, commitment.Binding) || !bytes.Equal(existing.Hiding, commitment.Hiding) {
			return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
				"participant %s changed its commitment in session %s", participant, s.id))
		}
		return nil
	}
	s.commitments[participant] = commitment
	return nil
}

// AddShare records a participant's signature share. The participant must have
// committed first.
func (s *Session) AddShare(participant string, share []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expired(time.Now()); err != nil {
		return err
	}
	if _, ok := s.commitments[participant]; !ok {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"share from %s before its commitment in session %s", participant, s.id))
	}
	scalar, err := parseShare(share)
	if err != nil {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"share from %s in session %s: %w", participant, s.id, err))
	}
	s.shares[participant] = *scalar
	s.round++
	return nil
}

// CollectedShares returns how many participant shares have been recorded.
func (s *Session) CollectedShares() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shares)
}

func (s *Session) isParticipant(id string) bool {
	for _, p := range s.participants {
		if p == id {
			return true
		}
	}
	return false
}

// LocalCommitment returns this wallet's nonce commitment, creating the nonce
// on first call. Sent to the other participants before shares are exchanged.
func (s *Session) LocalCommitment() (*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expired(time.Now()); err != nil {
		return nil, err
	}
	if s.nonce == nil {
		nonce, err := NewNonce()
		if err != nil {
			return nil, walleterrors.InternalSignerError(err)
		}
		s.nonce = nonce
	}
	return s.nonce.Commitment(), nil
}

// signPartial computes this wallet's share. Idempotent for a fixed message:
// the nonce is created once and the same share is returned on retry, so a
// resent round never leaks a second nonce for the same commitment.
func (s *Session) signPartial(message []byte, key keys.Private) (*SignatureShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expired(time.Now()); err != nil {
		return nil, err
	}
	if s.message != nil && !bytes.Equal(s.message, message) {
		return nil, walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"session %s already signing a different message", s.id))
	}
	if s.ownShare != nil {
		return s.ownShare, nil
	}
	if len(s.commitments) < len(s.participants) {
		return nil, walleterrors.FailedPreconditionErrorf(
			"session %s has %d of %d participant commitments", s.id, len(s.commitments), len(s.participants))
	}

	if s.nonce == nil {
		nonce, err := NewNonce()
		if err != nil {
			return nil, walleterrors.InternalSignerError(err)
		}
		s.nonce = nonce
	}
	s.message = message

	challenge, err := s.challenge()
	if err != nil {
		return nil, err
	}

	// s_i = k_i + e * x_i
	var share secp256k1.ModNScalar
	k := s.nonce.effective()
	share.Mul2(challenge, &key.ToBTCEC().Key).Add(&k)

	shareBytes := make([]byte, 32)
	share.PutBytesUnchecked(shareBytes)
	s.ownShare = &SignatureShare{
		Share:      shareBytes,
		Commitment: s.nonce.Commitment(),
	}
	return s.ownShare, nil
}

// challenge computes e = H(tag || R_agg || P || m) over the aggregate nonce
// point of all participants plus this wallet. Callers hold the lock.
func (s *Session) challenge() (*secp256k1.ModNScalar, error) {
	aggregate, err := s.aggregateNoncePoint()
	if err != nil {
		return nil, err
	}
	return challengeScalar(aggregate, s.verifyingKey, s.message), nil
}

func (s *Session) aggregateNoncePoint() (keys.Public, error) {
	points := make([]keys.Public, 0, len(s.commitments)+1)
	for participant, commitment := range s.commitments {
		point, err := CommitmentPoint(commitment)
		if err != nil {
			return keys.Public{}, walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
				"commitment of %s in session %s: %w", participant, s.id, err))
		}
		points = append(points, point)
	}
	if s.nonce != nil {
		point, err := CommitmentPoint(s.nonce.Commitment())
		if err != nil {
			return keys.Public{}, walleterrors.InternalSignerError(err)
		}
		points = append(points, point)
	}
	return keys.SumPublicKeys(points)
}

// AggregateSignature sums every share bound into the challenge, including
// this wallet's, and returns R_agg || s_agg. Requires a share from each
// participant whose commitment was hashed into the challenge; the threshold
// below that is the operators' concern, not this wallet's.
func (s *Session) AggregateSignature() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownShare == nil {
		return nil, walleterrors.FailedPreconditionErrorf("session %s has no local share yet", s.id)
	}
	if len(s.shares) < len(s.participants) {
		return nil, walleterrors.FailedPreconditionErrorf(
			"session %s has %d of %d participant shares", s.id, len(s.shares), len(s.participants))
	}

	var sum secp256k1.ModNScalar
	own, err := parseShare(s.ownShare.Share)
	if err != nil {
		return nil, walleterrors.InternalSignerError(err)
	}
	sum.Set(own)
	for _, share := range s.shares {
		share := share
		sum.Add(&share)
	}

	aggregateNonce, err := s.aggregateNoncePoint()
	if err != nil {
		return nil, err
	}

	signature := make([]byte, 0, 65)
	signature = append(signature, aggregateNonce.Serialize()...)
	sumBytes := make([]byte, 32)
	sum.PutBytesUnchecked(sumBytes)
	return append(signature, sumBytes...), nil
}

// VerifyAggregate checks an R || s aggregate signature over message against
// the verifying key: s*G must equal R + e*P.
func VerifyAggregate(signature, message []byte, verifyingKey keys.Public) error {
	if len(signature) != 65 {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf(
			"aggregate signature must be 65 bytes, got %d", len(signature)))
	}
	noncePoint, err := keys.ParsePublicKey(signature[:33])
	if err != nil {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf("parsing signature nonce point: %w", err))
	}
	scalar, err := parseShare(signature[33:])
	if err != nil {
		return walleterrors.FailedPreconditionBadSignature(err)
	}

	left, err := keys.ParsePublicKey(scalarPoint(scalar))
	if err != nil {
		return walleterrors.InternalSignerError(err)
	}
	e := challengeScalar(noncePoint, verifyingKey, message)
	expected := noncePoint.Add(mulPoint(verifyingKey, e))
	if !left.Equals(expected) {
		return walleterrors.FailedPreconditionBadSignature(fmt.Errorf("aggregate signature does not verify"))
	}
	return nil
}

func mulPoint(p keys.Public, scalar *secp256k1.ModNScalar) keys.Public {
	var point, result secp256k1.JacobianPoint
	p.ToBTCEC().AsJacobian(&point)
	secp256k1.ScalarMultNonConst(scalar, &point, &result)
	result.ToAffine()
	return keys.PublicKeyFromKey(*secp256k1.NewPublicKey(&result.X, &result.Y))
}

func challengeScalar(noncePoint keys.Public, verifyingKey keys.Public, message []byte) *secp256k1.ModNScalar {
	tag := sha256.Sum256([]byte(challengeTag))
	h := sha256.New()
	h.Write(tag[:])
	h.Write(tag[:])
	h.Write(noncePoint.Serialize())
	h.Write(verifyingKey.Serialize())
	h.Write(message)
	digest := h.Sum(nil)

	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(digest)
	return &scalar
}

func parseShare(share []byte) (*secp256k1.ModNScalar, error) {
	if len(share) != 32 {
		return nil, fmt.Errorf("signature share must be 32 bytes, got %d", len(share))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(share); overflow {
		return nil, fmt.Errorf("signature share overflows the group order")
	}
	return &scalar, nil
}
