package wallet

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/lightsparkdev/spark-wallet/common"
	"github.com/lightsparkdev/spark-wallet/operator"
)

// Config is the wallet engine configuration.
type Config struct {
	// Network is the Bitcoin network the wallet operates on.
	Network common.Network `yaml:"network"`
	// DatabasePath is the path to the ledger database.
	DatabasePath string `yaml:"database_path"`
	// OperatorsFilePath points to the YAML list of signing operators.
	OperatorsFilePath string `yaml:"operators_file_path"`
	// Operators may be given inline instead of through OperatorsFilePath.
	Operators []*operator.SigningOperator `yaml:"operators"`
	// CoordinatorIdentifier names the operator that drives the protocol.
	CoordinatorIdentifier string `yaml:"coordinator_identifier"`
	// Threshold is the number of operator shares required to sign.
	Threshold int `yaml:"threshold"`
	// TransferExpiry bounds how long a transfer may stay in flight.
	TransferExpiry time.Duration `yaml:"transfer_expiry"`
	// ReconcileInterval is how often the reconciliation pass runs.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// ExpirySweepInterval is how often expired in-flight transfers are swept.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
	// ResolverTTL bounds how long a resolved operator endpoint is reused.
	ResolverTTL time.Duration `yaml:"resolver_ttl"`
	// AmbiguousRetryLimit is how many status queries to attempt for a
	// transfer whose commit outcome is unknown before flagging it for
	// manual intervention.
	AmbiguousRetryLimit int `yaml:"ambiguous_retry_limit"`
	// AmbiguousRetryBackoff is the delay between those status queries.
	AmbiguousRetryBackoff time.Duration `yaml:"ambiguous_retry_backoff"`
	// ServiceProviderAddress is the spark address of the lightning service
	// provider receiving leaves for invoice payments. Optional; lightning
	// payments fail without it.
	ServiceProviderAddress string `yaml:"service_provider_address"`
	// GRPC configures client connection behavior.
	GRPC GRPCConfig `yaml:"grpc"`
}

// GRPCConfig contains configuration for gRPC client behavior.
// All durations support Go-style duration strings such as "5s", "3m", etc.
type GRPCConfig struct {
	// ClientTimeout enforces a per-request timeout for unary RPC client calls.
	ClientTimeout time.Duration `yaml:"client_timeout"`
	// ClientKeepaliveTime is the interval between keepalive pings.
	ClientKeepaliveTime time.Duration `yaml:"client_keepalive_time"`
	// ClientKeepaliveTimeout is the timeout waiting for keepalive ack before closing the connection.
	ClientKeepaliveTimeout time.Duration `yaml:"client_keepalive_timeout"`
}

// LoadConfig reads and validates a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.TransferExpiry == 0 {
		c.TransferExpiry = 10 * time.Minute
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.ExpirySweepInterval == 0 {
		c.ExpirySweepInterval = time.Minute
	}
	if c.ResolverTTL == 0 {
		c.ResolverTTL = 10 * time.Minute
	}
	if c.AmbiguousRetryLimit == 0 {
		c.AmbiguousRetryLimit = 5
	}
	if c.AmbiguousRetryBackoff == 0 {
		c.AmbiguousRetryBackoff = 30 * time.Second
	}
	if c.GRPC.ClientTimeout == 0 {
		c.GRPC.ClientTimeout = 30 * time.Second
	}
	if c.GRPC.ClientKeepaliveTime == 0 {
		c.GRPC.ClientKeepaliveTime = 30 * time.Second
	}
	if c.GRPC.ClientKeepaliveTimeout == 0 {
		c.GRPC.ClientKeepaliveTimeout = 10 * time.Second
	}
}

// Validate checks the config for inconsistencies that would only surface
// deep inside a transfer otherwise.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if len(c.Operators) == 0 && c.OperatorsFilePath == "" {
		return fmt.Errorf("either operators or operators_file_path is required")
	}
	if c.CoordinatorIdentifier == "" {
		return fmt.Errorf("coordinator_identifier is required")
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive")
	}
	return nil
}

// LoadRegistry builds the operator registry from the config.
func (c *Config) LoadRegistry() (*operator.Registry, error) {
	operators := make(map[string]*operator.SigningOperator, len(c.Operators))
	for _, op := range c.Operators {
		operators[op.Identifier] = op
	}
	if len(operators) == 0 {
		loaded, err := operator.LoadOperators(c.OperatorsFilePath)
		if err != nil {
			return nil, fmt.Errorf("loading operators from %s: %w", c.OperatorsFilePath, err)
		}
		operators = loaded
	}
	return operator.NewRegistry(operators, c.CoordinatorIdentifier, c.Threshold)
}
