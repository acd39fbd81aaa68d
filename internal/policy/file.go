package policy

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/l7policy/internal/identity"
)

// IdentityMapping assigns a security identity to a CIDR or single address.
type IdentityMapping struct {
	CIDR     string                   `yaml:"cidr"`
	Identity identity.NumericIdentity `yaml:"identity"`
}

// File is the on-disk policy document.
//
//	identities:
//	  - cidr: 10.0.1.0/24
//	    identity: 200
//	endpoints:
//	  - ip: 10.0.0.2
//	    identity: 100
//	    ingress:
//	      - port: 80
//	        remotes: [200]
//	        http:
//	          - method: GET
//	            path: /public/.*
type File struct {
	Identities []IdentityMapping `yaml:"identities"`
	Endpoints  []*EndpointPolicy `yaml:"endpoints"`
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a policy document and validates it completely, so that a
// parsed File can always be applied.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if _, _, err := f.compile(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Apply replaces the identity mappings in cache and the endpoint set in repo
// with the document's. Endpoint addresses are mapped to their own identity
// as well. Nothing changes unless the whole document is valid.
func (f *File) Apply(repo *Repository, cache *identity.IPCache) error {
	prefixes, endpoints, err := f.compile()
	if err != nil {
		return err
	}
	cache.Replace(prefixes)
	repo.swap(endpoints)
	return nil
}

// compile validates the document and builds the identity prefix set and the
// compiled endpoint set it describes.
func (f *File) compile() (map[netip.Prefix]identity.NumericIdentity, map[string]*EndpointPolicy, error) {
	prefixes := make(map[netip.Prefix]identity.NumericIdentity, len(f.Identities)+len(f.Endpoints))
	for i, m := range f.Identities {
		p, err := identity.ParsePrefix(m.CIDR)
		if err != nil {
			return nil, nil, fmt.Errorf("identities[%d]: %w", i, err)
		}
		if prev, dup := prefixes[p]; dup && prev != m.Identity {
			return nil, nil, fmt.Errorf("identities[%d]: %w: %s mapped to both %v and %v",
				i, ErrInvalidRule, p, prev, m.Identity)
		}
		prefixes[p] = m.Identity
	}

	endpoints, err := compileAll(f.Endpoints)
	if err != nil {
		return nil, nil, err
	}
	for _, ep := range f.Endpoints {
		if ep.Identity == identity.IdentityUnknown {
			continue
		}
		p, err := identity.ParsePrefix(ep.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
		}
		prefixes[p] = ep.Identity
	}
	return prefixes, endpoints, nil
}
