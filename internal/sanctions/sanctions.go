// Package sanctions provides the two-tier sanctioned-address screen:
// a bloom filter for fast negative probes fronting an exact set.
package sanctions

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// falsePositiveRate sizes the bloom filter for the current set.
const falsePositiveRate = 0.01

// snapshot is one immutable generation of the screen.
type snapshot struct {
	filter    *bloom.BloomFilter
	addresses map[string]struct{}
	hash      string
}

// Screener answers "is this address sanctioned" with a bloom filter in
// front of the exact set. The whole structure is replaced atomically on
// refresh. Each Contains call samples the current snapshot, so a single
// lookup never observes a partial update; several lookups made during one
// request can see different snapshots if a refresh lands between them.
type Screener struct {
	current atomic.Pointer[snapshot]
}

// NewScreener builds a screener over the given addresses.
func NewScreener(addresses []string) *Screener {
	s := &Screener{}
	s.Replace(addresses)
	return s
}

// Replace atomically swaps in a freshly built snapshot.
func (s *Screener) Replace(addresses []string) {
	s.current.Store(build(addresses))
}

func build(addresses []string) *snapshot {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		a = domain.NormalizeAddress(a)
		if a != "" {
			set[a] = struct{}{}
		}
	}

	n := uint(len(set))
	if n < 100 {
		n = 100
	}
	filter := bloom.NewWithEstimates(n, falsePositiveRate)

	keys := make([]string, 0, len(set))
	for a := range set {
		filter.AddString(a)
		keys = append(keys, a)
	}
	sort.Strings(keys)

	return &snapshot{
		filter:    filter,
		addresses: set,
		hash:      strings.Join(keys, "\n"),
	}
}

// Contains reports whether the address is in the sanctions set. Lookup is
// case-folded; a bloom-filter miss short-circuits without touching the set.
func (s *Screener) Contains(address string) bool {
	snap := s.current.Load()
	if snap == nil {
		return false
	}
	addr := domain.NormalizeAddress(address)
	if addr == "" {
		return false
	}
	if !snap.filter.TestString(addr) {
		return false
	}
	_, ok := snap.addresses[addr]
	return ok
}

// Size returns the number of distinct sanctioned addresses.
func (s *Screener) Size() int {
	snap := s.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.addresses)
}

// Fingerprint identifies the current set; the refresh task compares
// fingerprints to detect changes without rebuilding.
func (s *Screener) Fingerprint() string {
	snap := s.current.Load()
	if snap == nil {
		return ""
	}
	return snap.hash
}

// Fingerprint computes the fingerprint a set of addresses would produce.
func Fingerprint(addresses []string) string {
	return build(addresses).hash
}

// LoadFile reads a newline-delimited sanctions list. Blank lines and lines
// starting with '#' are skipped; entries are lowercased and deduplicated.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sanctions file: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var addresses []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addr := domain.NormalizeAddress(line)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addresses = append(addresses, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sanctions file: %w", err)
	}

	return addresses, nil
}
