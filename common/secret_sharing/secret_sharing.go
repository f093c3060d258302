package secretsharing

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SecretShare is a single Shamir share of a secret, evaluated at Index on a
// random polynomial of degree Threshold - 1 over the field of FieldModulus.
type SecretShare struct {
	// FieldModulus is the modulus of the field the secret lives in.
	FieldModulus *big.Int
	// Threshold is the number of shares required to recover the secret.
	Threshold int
	// Index is the x-coordinate this share was evaluated at. Never zero.
	Index *big.Int
	// Share is the polynomial evaluated at Index.
	Share *big.Int
}

// VerifiableSecretShare is a SecretShare along with Feldman commitments to the
// polynomial coefficients, allowing each share holder to validate its share
// without learning the secret.
type VerifiableSecretShare struct {
	SecretShare
	// Proofs are compressed secp256k1 points committing to each polynomial
	// coefficient, constant term first.
	Proofs [][]byte
}

// WireShare is the transport form of a verifiable share.
type WireShare struct {
	SecretShare []byte   `json:"secret_share"`
	Proofs      [][]byte `json:"proofs"`
}

// MarshalWire converts the share to its transport form.
func (s *VerifiableSecretShare) MarshalWire() *WireShare {
	return &WireShare{
		SecretShare: s.Share.Bytes(),
		Proofs:      s.Proofs,
	}
}

// samplePolynomial returns a random polynomial of degree threshold - 1 with
// the secret as its constant term.
func samplePolynomial(secret, fieldModulus *big.Int, threshold int) ([]*big.Int, error) {
	coefficients := make([]*big.Int, threshold)
	coefficients[0] = new(big.Int).Set(secret)
	for i := 1; i < threshold; i++ {
		coefficient, err := rand.Int(rand.Reader, fieldModulus)
		if err != nil {
			return nil, fmt.Errorf("failed to sample polynomial coefficient: %w", err)
		}
		coefficients[i] = coefficient
	}
	return coefficients, nil
}

// evaluatePolynomial evaluates the polynomial at x using Horner's method.
func evaluatePolynomial(coefficients []*big.Int, x, fieldModulus *big.Int) *big.Int {
	result := new(big.Int)
	for i := len(coefficients) - 1; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coefficients[i])
		result.Mod(result, fieldModulus)
	}
	return result
}

// SplitSecret splits a secret into numberOfShares Shamir shares, any threshold
// of which can recover it.
func SplitSecret(secret, fieldModulus *big.Int, threshold, numberOfShares int) ([]*SecretShare, error) {
	if secret == nil || fieldModulus == nil {
		return nil, fmt.Errorf("secret and field modulus must not be nil")
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive")
	}
	if secret.Cmp(fieldModulus) >= 0 {
		return nil, fmt.Errorf("secret must be less than the field modulus")
	}

	coefficients, err := samplePolynomial(secret, fieldModulus, threshold)
	if err != nil {
		return nil, err
	}

	shares := make([]*SecretShare, 0, numberOfShares)
	for i := 1; i <= numberOfShares; i++ {
		x := big.NewInt(int64(i))
		shares = append(shares, &SecretShare{
			FieldModulus: fieldModulus,
			Threshold:    threshold,
			Index:        x,
			Share:        evaluatePolynomial(coefficients, x, fieldModulus),
		})
	}
	return shares, nil
}

// SplitSecretWithProofs splits a secret into verifiable shares carrying
// Feldman commitments to the sharing polynomial.
func SplitSecretWithProofs(secret, fieldModulus *big.Int, threshold, numberOfShares int) ([]*VerifiableSecretShare, error) {
	if secret == nil || fieldModulus == nil {
		return nil, fmt.Errorf("secret and field modulus must not be nil")
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive")
	}
	if secret.Cmp(fieldModulus) >= 0 {
		return nil, fmt.Errorf("secret must be less than the field modulus")
	}

	coefficients, err := samplePolynomial(secret, fieldModulus, threshold)
	if err != nil {
		return nil, err
	}

	proofs := make([][]byte, len(coefficients))
	for i, coefficient := range coefficients {
		var scalar secp256k1.ModNScalar
		scalar.SetByteSlice(coefficient.Bytes())
		var point secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&scalar, &point)
		point.ToAffine()
		proofs[i] = secp256k1.NewPublicKey(&point.X, &point.Y).SerializeCompressed()
	}

	shares := make([]*VerifiableSecretShare, 0, numberOfShares)
	for i := 1; i <= numberOfShares; i++ {
		x := big.NewInt(int64(i))
		shares = append(shares, &VerifiableSecretShare{
			SecretShare: SecretShare{
				FieldModulus: fieldModulus,
				Threshold:    threshold,
				Index:        x,
				Share:        evaluatePolynomial(coefficients, x, fieldModulus),
			},
			Proofs: proofs,
		})
	}
	return shares, nil
}

// ValidateShare checks the share against its Feldman proofs: the share times
// the base point must equal the polynomial commitment evaluated at the
// share's index.
func ValidateShare(share *VerifiableSecretShare) error {
	if len(share.Proofs) != share.Threshold {
		return fmt.Errorf("expected %d proofs, got %d", share.Threshold, len(share.Proofs))
	}

	// sum_i (index^i * Proofs[i])
	var expected secp256k1.JacobianPoint
	xPow := big.NewInt(1)
	for _, proof := range share.Proofs {
		point, err := secp256k1.ParsePubKey(proof)
		if err != nil {
			return err
		}

		var term, scaled secp256k1.JacobianPoint
		point.AsJacobian(&term)
		var scalar secp256k1.ModNScalar
		scalar.SetByteSlice(new(big.Int).Mod(xPow, share.FieldModulus).Bytes())
		secp256k1.ScalarMultNonConst(&scalar, &term, &scaled)
		secp256k1.AddNonConst(&expected, &scaled, &expected)

		xPow.Mul(xPow, share.Index)
	}

	var shareScalar secp256k1.ModNScalar
	shareScalar.SetByteSlice(share.Share.Bytes())
	var actual secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&shareScalar, &actual)

	actual.ToAffine()
	expected.ToAffine()
	if !actual.X.Equals(&expected.X) || !actual.Y.Equals(&expected.Y) {
		return fmt.Errorf("share does not match its proofs")
	}
	return nil
}

// RecoverSecret recovers the secret from a threshold of shares using Lagrange
// interpolation at zero.
func RecoverSecret(shares []*SecretShare) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares provided")
	}
	threshold := shares[0].Threshold
	fieldModulus := shares[0].FieldModulus
	if len(shares) < threshold {
		return nil, fmt.Errorf("need at least %d shares to recover the secret, got %d", threshold, len(shares))
	}

	secret := new(big.Int)
	for i, share := range shares {
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)
		for j, other := range shares {
			if i == j {
				continue
			}
			numerator.Mul(numerator, other.Index)
			numerator.Mod(numerator, fieldModulus)
			diff := new(big.Int).Sub(other.Index, share.Index)
			denominator.Mul(denominator, diff)
			denominator.Mod(denominator, fieldModulus)
		}

		denominatorInv := new(big.Int).ModInverse(denominator, fieldModulus)
		if denominatorInv == nil {
			return nil, fmt.Errorf("shares have duplicate indices")
		}

		term := new(big.Int).Mul(share.Share, numerator)
		term.Mul(term, denominatorInv)
		secret.Add(secret, term)
		secret.Mod(secret, fieldModulus)
	}
	return secret, nil
}
