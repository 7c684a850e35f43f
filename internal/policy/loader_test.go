package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const testPolicyDoc = `{
	"policy_version": "2025-01-01.1",
	"params": {
		"kyc_tier_caps_usd": {"L0": "1000", "L1": "5000", "L2": "100000"},
		"daily_volume_limit_usd": "50000",
		"structuring_small_usd": "10000",
		"structuring_small_count": 5
	},
	"rules": [
		{"id": "R1_OFAC", "type": "ofac_addr", "action": "REJECT_FATAL"},
		{"id": "R2_JURISDICTION", "type": "jurisdiction_block", "action": "REJECT_FATAL", "blocked_countries": ["IR", "KP"]},
		{"id": "R3_KYC_CAP", "type": "kyc_tier_tx_cap", "action": "HOLD_AUTO"},
		{"id": "R4_DAILY_VOLUME", "type": "daily_usd_volume", "action": "HOLD_AUTO"},
		{"id": "R5_STRUCTURING", "type": "structuring_small_tx", "action": "REVIEW"}
	]
}`

func writeTestFiles(t *testing.T, policyDoc, sanctionsDoc string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(policyPath, []byte(policyDoc), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	sanctionsPath := filepath.Join(dir, "sanctions.txt")
	if err := os.WriteFile(sanctionsPath, []byte(sanctionsDoc), 0o644); err != nil {
		t.Fatalf("failed to write sanctions: %v", err)
	}

	return policyPath, sanctionsPath
}

func TestLoadPolicyFile(t *testing.T) {
	policyPath, _ := writeTestFiles(t, testPolicyDoc, "")

	policy, err := LoadPolicyFile(policyPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if policy.Version != "2025-01-01.1" {
		t.Errorf("unexpected version: %s", policy.Version)
	}
	if len(policy.Rules) != 5 {
		t.Errorf("expected 5 rules, got %d", len(policy.Rules))
	}
}

func TestLoadPolicyFileMissing(t *testing.T) {
	if _, err := LoadPolicyFile("/nonexistent/policy.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadPolicyFileInvalid(t *testing.T) {
	policyPath, _ := writeTestFiles(t, `{"rules": []}`, "")
	if _, err := LoadPolicyFile(policyPath); err == nil {
		t.Error("policy without a version must be rejected")
	}

	policyPath2, _ := writeTestFiles(t, `not json`, "")
	if _, err := LoadPolicyFile(policyPath2); err == nil {
		t.Error("malformed JSON must be rejected")
	}
}

func TestLoaderSanctions(t *testing.T) {
	policyPath, sanctionsPath := writeTestFiles(t, testPolicyDoc, "0xDEAD\n# comment\n0xbeef\n")

	loader := NewLoader(policyPath, sanctionsPath)
	addrs, err := loader.LoadSanctions()
	if err != nil {
		t.Fatalf("load sanctions failed: %v", err)
	}
	if len(addrs) != 2 {
		t.Errorf("expected 2 addresses, got %v", addrs)
	}
}
