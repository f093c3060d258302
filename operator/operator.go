package operator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/lightsparkdev/spark-wallet/common/keys"
)

// SigningOperator is one remote co-signing party. Identifier is index + 1 as
// a 32-byte big endian hex string, matching the share index used in the
// secret sharing of key tweaks.
type SigningOperator struct {
	// Index is the index of the signing operator.
	Index uint64 `json:"index" yaml:"index"`
	// Identifier is the identifier of the signing operator, used as the
	// secret share index for key tweak shares.
	Identifier string `json:"identifier" yaml:"identifier"`
	// Address is the host:port the operator's RPC endpoint listens on.
	Address string `json:"address" yaml:"address"`
	// IdentityPublicKey authenticates the operator's messages.
	IdentityPublicKey keys.Public `json:"identity_public_key" yaml:"identity_public_key"`
	// CertPath is the path to the operator's TLS certificate. Empty means
	// plaintext, only acceptable in tests.
	CertPath string `json:"cert_path,omitempty" yaml:"cert_path"`
}

// Registry holds the operator set this wallet signs with. Membership is fixed
// for the life of the process; endpoint resolution may still change per call
// through the Resolver.
type Registry struct {
	operators   map[string]*SigningOperator
	coordinator string
	threshold   int
}

// NewRegistry builds a registry from an operator map. The coordinator must be
// a member and the threshold must be satisfiable by the membership.
func NewRegistry(operators map[string]*SigningOperator, coordinator string, threshold int) (*Registry, error) {
	if len(operators) == 0 {
		return nil, fmt.Errorf("operator set is empty")
	}
	if threshold <= 0 || threshold > len(operators) {
		return nil, fmt.Errorf("threshold %d is not satisfiable by %d operators", threshold, len(operators))
	}
	if _, ok := operators[coordinator]; !ok {
		return nil, fmt.Errorf("coordinator %s is not in the operator set", coordinator)
	}
	return &Registry{operators: operators, coordinator: coordinator, threshold: threshold}, nil
}

// Get returns the operator with the given identifier.
func (r *Registry) Get(identifier string) (*SigningOperator, bool) {
	op, ok := r.operators[identifier]
	return op, ok
}

// Coordinator returns the operator this wallet sends protocol-driving
// messages to. The coordinator relays to the rest of the set.
func (r *Registry) Coordinator() *SigningOperator {
	return r.operators[r.coordinator]
}

// Threshold returns the number of operator shares required to aggregate.
func (r *Registry) Threshold() int {
	return r.threshold
}

// All returns the operators ordered by index, so share fan-out is
// deterministic across retries.
func (r *Registry) All() []*SigningOperator {
	all := make([]*SigningOperator, 0, len(r.operators))
	for _, op := range r.operators {
		all = append(all, op)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	return all
}

// Identifiers returns the operator identifiers ordered by index.
func (r *Registry) Identifiers() []string {
	all := r.All()
	ids := make([]string, len(all))
	for i, op := range all {
		ids[i] = op.Identifier
	}
	return ids
}

// LoadOperators loads the operators from the given file path.
func LoadOperators(filePath string) (map[string]*SigningOperator, error) {
	operators := make(map[string]*SigningOperator)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var yamlObj any
	if err := yaml.Unmarshal(data, &yamlObj); err != nil {
		return nil, err
	}

	jsonStr, err := json.Marshal(yamlObj)
	if err != nil {
		return nil, err
	}

	var operatorList []*SigningOperator
	if err := json.Unmarshal(jsonStr, &operatorList); err != nil {
		return nil, err
	}

	for _, operator := range operatorList {
		operators[operator.Identifier] = operator
	}
	return operators, nil
}
