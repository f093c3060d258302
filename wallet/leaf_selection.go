package wallet

import (
	"cmp"
	"fmt"
	"slices"

	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// selectLeavesExact picks available leaves whose values sum exactly to
// targetAmount. Sends move whole leaves, so an inexact match means the caller
// must refresh the leaf set first.
func selectLeavesExact(available []*store.Leaf, targetAmount uint64) ([]*store.Leaf, error) {
	if targetAmount == 0 {
		return nil, walleterrors.InvalidUserInputErrorf("target amount is 0")
	}
	leaves := slices.Clone(available)
	// When sending, start with the largest leaves.
	slices.SortFunc(leaves, func(a, b *store.Leaf) int {
		return -cmp.Compare(a.Value, b.Value)
	})

	amount := uint64(0)
	var selected []*store.Leaf
	for _, leaf := range leaves {
		if targetAmount-amount >= leaf.Value {
			amount += leaf.Value
			selected = append(selected, leaf)
		}
	}
	if amount == targetAmount {
		return selected, nil
	}
	return nil, walleterrors.FailedPreconditionValueMismatch(
		fmt.Errorf("no exact leaf match for amount %d, closest is %d", targetAmount, amount))
}

// selectLeavesForSwap picks the smallest available leaves whose values sum to
// at least targetAmount, so a swap consolidates dust first. Returns the
// selection and its total value.
func selectLeavesForSwap(available []*store.Leaf, targetAmount uint64) ([]*store.Leaf, uint64, error) {
	if targetAmount == 0 {
		return nil, 0, walleterrors.InvalidUserInputErrorf("target amount is 0")
	}
	leaves := slices.Clone(available)
	slices.SortFunc(leaves, func(a, b *store.Leaf) int {
		return cmp.Compare(a.Value, b.Value)
	})

	amount := uint64(0)
	var selected []*store.Leaf
	for _, leaf := range leaves {
		if amount < targetAmount {
			amount += leaf.Value
			selected = append(selected, leaf)
		}
	}
	if amount >= targetAmount {
		return selected, amount, nil
	}
	return nil, amount, walleterrors.FailedPreconditionErrorf(
		"insufficient balance %d for target amount %d", amount, targetAmount)
}
