package wallet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/common/keys"
	"github.com/lightsparkdev/spark-wallet/common/logging"
	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
	"github.com/lightsparkdev/spark-wallet/operator"
	"github.com/lightsparkdev/spark-wallet/rpc"
	"github.com/lightsparkdev/spark-wallet/wallet/signer"
	"github.com/lightsparkdev/spark-wallet/wallet/store"
)

// ClientProvider hands out the session client for an operator. Satisfied by
// operator.Pool; tests substitute an in-memory implementation.
type ClientProvider interface {
	SessionClient(ctx context.Context, op *operator.SigningOperator) (rpc.SessionClient, error)
}

// Wallet is the leaf transfer engine: it owns the local ledger, the signer
// holding the wallet keys, and the operator connections, and drives transfers,
// claims and reconciliation across them.
type Wallet struct {
	config   *Config
	store    *store.Store
	signer   *signer.Signer
	registry *operator.Registry
	clients  ClientProvider
	events   *EventManager
	logger   *zap.Logger

	// pool is set when the wallet owns its connections and must close them.
	pool *operator.Pool
}

// NewWallet opens the ledger, derives the wallet identity from the master
// seed, and prepares operator connections. Connections are dialed lazily on
// first use.
func NewWallet(config *Config, masterSeed []byte, logger *zap.Logger) (*Wallet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry, err := config.LoadRegistry()
	if err != nil {
		return nil, err
	}
	walletSigner, err := signer.New(masterSeed)
	if err != nil {
		return nil, err
	}
	ledger, err := store.Open(config.DatabasePath)
	if err != nil {
		walletSigner.Close()
		return nil, err
	}

	resolver := operator.NewResolver(operator.StaticSource{}, config.ResolverTTL)
	pool := operator.NewPool(resolver, config.GRPC.ClientKeepaliveTime, config.GRPC.ClientKeepaliveTimeout)

	return &Wallet{
		config:   config,
		store:    ledger,
		signer:   walletSigner,
		registry: registry,
		clients:  pool,
		events:   NewEventManager(),
		logger:   logger,
		pool:     pool,
	}, nil
}

// NewWalletWithClients builds a wallet over an externally managed client
// provider. The caller keeps ownership of the provider's connections.
func NewWalletWithClients(config *Config, masterSeed []byte, clients ClientProvider, logger *zap.Logger) (*Wallet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry, err := config.LoadRegistry()
	if err != nil {
		return nil, err
	}
	walletSigner, err := signer.New(masterSeed)
	if err != nil {
		return nil, err
	}
	ledger, err := store.Open(config.DatabasePath)
	if err != nil {
		walletSigner.Close()
		return nil, err
	}
	return &Wallet{
		config:   config,
		store:    ledger,
		signer:   walletSigner,
		registry: registry,
		clients:  clients,
		events:   NewEventManager(),
		logger:   logger,
	}, nil
}

// Close zeroizes the signing keys, closes operator connections and the
// ledger. The wallet is unusable afterwards.
func (w *Wallet) Close() error {
	w.signer.Close()
	if w.pool != nil {
		w.pool.Close()
	}
	return w.store.Close()
}

// Events returns the wallet's event manager for listener registration.
func (w *Wallet) Events() *EventManager {
	return w.events
}

// Store exposes the ledger for read access.
func (w *Wallet) Store() *store.Store {
	return w.store
}

// IdentityKey returns the wallet's identity public key.
func (w *Wallet) IdentityKey() (keys.Public, error) {
	return w.signer.IdentityKey()
}

// SparkAddress returns this wallet's receiving address: the bech32m encoding
// of its identity public key with the network prefix.
func (w *Wallet) SparkAddress() (string, error) {
	identity, err := w.signer.IdentityKey()
	if err != nil {
		return "", err
	}
	return common.EncodeSparkAddress(identity, w.config.Network)
}

// Balance returns the sum of available leaf values in the local ledger.
func (w *Wallet) Balance(ctx context.Context) (uint64, error) {
	return w.store.Balance(ctx)
}

// Leaves lists the wallet's leaves, optionally filtered by state.
func (w *Wallet) Leaves(ctx context.Context, filter *store.LeafState) ([]*store.Leaf, error) {
	return w.store.ListLeaves(ctx, filter)
}

// Sync claims all pending inbound transfers, sweeps expired outbound ones,
// and reconciles the ledger against the operators' view.
func (w *Wallet) Sync(ctx context.Context) error {
	ctx, logger := logging.WithAttrs(logging.Inject(ctx, w.logger))

	if _, err := w.ClaimAllTransfers(ctx); err != nil {
		return walleterrors.WrapErrorWithMessage(err, "claiming pending transfers")
	}
	if err := w.SweepExpiredTransfers(ctx); err != nil {
		return walleterrors.WrapErrorWithMessage(err, "sweeping expired transfers")
	}
	if _, err := w.Reconcile(ctx); err != nil {
		return walleterrors.WrapErrorWithMessage(err, "reconciling ledger")
	}

	logger.Info("Wallet sync complete")
	w.events.Notify(ctx, Event{Type: EventSynced})
	return nil
}

// coordinatorClient returns the session client for the coordinator operator.
func (w *Wallet) coordinatorClient(ctx context.Context) (rpc.SessionClient, error) {
	return w.clients.SessionClient(ctx, w.registry.Coordinator())
}

// callCtx bounds an operator call with the configured client timeout.
func (w *Wallet) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.config.GRPC.ClientTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.config.GRPC.ClientTimeout)
}

// availableLeaves lists the spendable leaves.
func (w *Wallet) availableLeaves(ctx context.Context) ([]*store.Leaf, error) {
	state := store.LeafStateAvailable
	return w.store.ListLeaves(ctx, &state)
}

// leafByID returns a leaf, wrapping the not-found case with wallet context.
func (w *Wallet) leafByID(ctx context.Context, id string) (*store.Leaf, error) {
	leaf, err := w.store.GetLeaf(ctx, id)
	if err != nil {
		return nil, walleterrors.WrapErrorWithMessage(err, fmt.Sprintf("loading leaf %s", id))
	}
	return leaf, nil
}
