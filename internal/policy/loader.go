// Package policy loads declarative policy documents and sanctions lists
// and keeps the active rule-set snapshot fresh.
package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/sanctions"
)

// LoadPolicyFile reads and validates a JSON policy document.
func LoadPolicyFile(path string) (*domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy domain.Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// Loader reads the policy document and sanctions list from disk.
type Loader struct {
	policyPath    string
	sanctionsPath string
}

// NewLoader creates a loader over the two source files.
func NewLoader(policyPath, sanctionsPath string) *Loader {
	return &Loader{policyPath: policyPath, sanctionsPath: sanctionsPath}
}

// LoadPolicy reads the policy document.
func (l *Loader) LoadPolicy() (*domain.Policy, error) {
	return LoadPolicyFile(l.policyPath)
}

// LoadSanctions reads the newline-delimited sanctions list.
func (l *Loader) LoadSanctions() ([]string, error) {
	return sanctions.LoadFile(l.sanctionsPath)
}
