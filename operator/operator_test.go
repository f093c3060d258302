package operator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightsparkdev/spark-wallet/common/keys"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

func testOperators(t *testing.T, n int) map[string]*SigningOperator {
	t.Helper()
	operators := make(map[string]*SigningOperator, n)
	for i := 0; i < n; i++ {
		identifier := fmt.Sprintf("%064x", i+1)
		operators[identifier] = &SigningOperator{
			Index:             uint64(i),
			Identifier:        identifier,
			Address:           fmt.Sprintf("localhost:%d", 8535+i),
			IdentityPublicKey: keys.MustGeneratePrivateKeyFromRand(rng).Public(),
		}
	}
	return operators
}

func TestNewRegistry(t *testing.T) {
	operators := testOperators(t, 3)
	coordinator := fmt.Sprintf("%064x", 1)

	registry, err := NewRegistry(operators, coordinator, 2)
	require.NoError(t, err)

	assert.Equal(t, coordinator, registry.Coordinator().Identifier)
	assert.Equal(t, 2, registry.Threshold())
	assert.Len(t, registry.All(), 3)
}

func TestNewRegistry_RejectsBadInputs(t *testing.T) {
	operators := testOperators(t, 3)
	coordinator := fmt.Sprintf("%064x", 1)

	_, err := NewRegistry(nil, coordinator, 1)
	require.Error(t, err)

	_, err = NewRegistry(operators, coordinator, 4)
	require.ErrorContains(t, err, "threshold")

	_, err = NewRegistry(operators, "deadbeef", 2)
	require.ErrorContains(t, err, "coordinator")
}

func TestRegistry_AllOrderedByIndex(t *testing.T) {
	operators := testOperators(t, 5)
	coordinator := fmt.Sprintf("%064x", 1)
	registry, err := NewRegistry(operators, coordinator, 3)
	require.NoError(t, err)

	all := registry.All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Index, all[i].Index)
	}
	assert.Equal(t, len(all), len(registry.Identifiers()))
}

type countingSource struct {
	calls int
	fail  bool
}

func (s *countingSource) Resolve(_ context.Context, op *SigningOperator) (string, error) {
	s.calls++
	if s.fail {
		return "", fmt.Errorf("discovery down")
	}
	return op.Address, nil
}

func TestResolver_CachesResolutions(t *testing.T) {
	operators := testOperators(t, 1)
	var op *SigningOperator
	for _, o := range operators {
		op = o
	}

	source := &countingSource{}
	resolver := NewResolver(source, time.Minute)

	first, err := resolver.Resolve(t.Context(), op)
	require.NoError(t, err)
	second, err := resolver.Resolve(t.Context(), op)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.calls)

	resolver.Invalidate(op.Identifier)
	_, err = resolver.Resolve(t.Context(), op)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestResolver_FailureIsUnreachableAndNotCached(t *testing.T) {
	operators := testOperators(t, 1)
	var op *SigningOperator
	for _, o := range operators {
		op = o
	}

	source := &countingSource{fail: true}
	resolver := NewResolver(source, time.Minute)

	_, err := resolver.Resolve(t.Context(), op)
	require.Error(t, err)
	assert.True(t, walleterrors.IsTransient(err))

	source.fail = false
	endpoint, err := resolver.Resolve(t.Context(), op)
	require.NoError(t, err)
	assert.Equal(t, op.Address, endpoint)
}

func TestStaticSource_RequiresAddress(t *testing.T) {
	_, err := StaticSource{}.Resolve(t.Context(), &SigningOperator{Identifier: "01"})
	require.Error(t, err)
}
