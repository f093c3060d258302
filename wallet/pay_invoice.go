package wallet

import (
	"context"
	"fmt"
	"math"

	decodepay "github.com/nbd-wtf/ln-decodepay"
	"go.uber.org/zap"

	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/common/keys"
	"github.com/lightsparkdev/spark-wallet/common/logging"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// LightningPayment is the result of handing leaves to the service provider
// for an invoice payment.
type LightningPayment struct {
	PaymentHash string
	AmountSats  uint64
	Transfer    *store.TransferRecord
}

// PayLightningInvoice pays a BOLT11 invoice by transferring leaves matching
// the invoice amount to the configured service provider, keyed on the payment
// hash. Routing is the provider's concern; this wallet only runs the leaf
// transfer. When no exact leaf match exists the leaves are swapped first.
func (w *Wallet) PayLightningInvoice(ctx context.Context, invoice string) (*LightningPayment, error) {
	ctx, logger := logging.WithAttrs(logging.Inject(ctx, w.logger))

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		return nil, walleterrors.InvalidArgumentMalformedField(fmt.Errorf("parsing invoice: %w", err))
	}
	if bolt11.MSatoshi <= 0 {
		return nil, walleterrors.InvalidArgumentMissingField(fmt.Errorf("invoice has no amount"))
	}
	amountSats := uint64(math.Ceil(float64(bolt11.MSatoshi) / 1000.0))

	provider, err := w.serviceProviderKey()
	if err != nil {
		return nil, err
	}
	logger.Info("Paying lightning invoice",
		zap.String("payment_hash", bolt11.PaymentHash), zap.Uint64("amount_sats", amountSats))

	available, err := w.availableLeaves(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := selectLeavesExact(available, amountSats); err != nil {
		if _, err := w.RequestSwap(ctx, amountSats); err != nil {
			return nil, walleterrors.WrapErrorWithMessage(err, "swapping leaves for invoice amount")
		}
	}

	record, err := w.SendTransfer(ctx, provider, amountSats)
	if err != nil {
		return nil, err
	}
	return &LightningPayment{
		PaymentHash: bolt11.PaymentHash,
		AmountSats:  amountSats,
		Transfer:    record,
	}, nil
}

// serviceProviderKey resolves the configured service provider address to its
// identity key.
func (w *Wallet) serviceProviderKey() (keys.Public, error) {
	if w.config.ServiceProviderAddress == "" {
		return keys.Public{}, walleterrors.FailedPreconditionErrorf(
			"no service provider configured for lightning payments")
	}
	decoded, err := common.DecodeSparkAddress(w.config.ServiceProviderAddress)
	if err != nil {
		return keys.Public{}, walleterrors.InvalidArgumentMalformedField(fmt.Errorf(
			"service provider address: %w", err))
	}
	if decoded.Network != w.config.Network {
		return keys.Public{}, walleterrors.InvalidArgumentMalformedField(fmt.Errorf(
			"service provider address is for network %s, wallet is on %s", decoded.Network, w.config.Network))
	}
	return decoded.IdentityPublicKey, nil
}
