package signer

import (
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/lightsparkdev/spark-wallet/common/keys"
)

// Nonce is a one-time signing nonce: a binding and a hiding scalar, following
// the two-nonce pattern that prevents a coordinator from biasing the
// aggregate nonce. The effective nonce is their sum.
type Nonce struct {
	binding secp256k1.ModNScalar
	hiding  secp256k1.ModNScalar
}

// Commitment is the public commitment to a Nonce: compressed points for both
// scalars. Exchanged before shares.
type Commitment struct {
	Binding []byte
	Hiding  []byte
}

// NewNonce samples a fresh nonce from crypto/rand.
func NewNonce() (*Nonce, error) {
	binding, err := randomScalar()
	if err != nil {
		return nil, err
	}
	hiding, err := randomScalar()
	if err != nil {
		return nil, err
	}
	return &Nonce{binding: *binding, hiding: *hiding}, nil
}

func randomScalar() (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("sampling nonce: %w", err)
		}
		var scalar secp256k1.ModNScalar
		if overflow := scalar.SetBytes(&buf); overflow == 0 && !scalar.IsZero() {
			return &scalar, nil
		}
	}
}

// Commitment returns the public commitment for this nonce.
func (n *Nonce) Commitment() *Commitment {
	return &Commitment{
		Binding: scalarPoint(&n.binding),
		Hiding:  scalarPoint(&n.hiding),
	}
}

// effective returns the scalar actually used for signing.
func (n *Nonce) effective() secp256k1.ModNScalar {
	var k secp256k1.ModNScalar
	k.Add2(&n.binding, &n.hiding)
	return k
}

func scalarPoint(scalar *secp256k1.ModNScalar) []byte {
	var point secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(scalar, &point)
	point.ToAffine()
	return secp256k1.NewPublicKey(&point.X, &point.Y).SerializeCompressed()
}

// CommitmentPoint sums a commitment's binding and hiding points into the
// participant's effective nonce point.
func CommitmentPoint(commitment *Commitment) (keys.Public, error) {
	binding, err := keys.ParsePublicKey(commitment.Binding)
	if err != nil {
		return keys.Public{}, fmt.Errorf("parsing binding commitment: %w", err)
	}
	hiding, err := keys.ParsePublicKey(commitment.Hiding)
	if err != nil {
		return keys.Public{}, fmt.Errorf("parsing hiding commitment: %w", err)
	}
	return binding.Add(hiding), nil
}
