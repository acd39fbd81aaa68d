// Package policy decides whether an L7 request between two security
// identities is allowed.
//
// Each local endpoint has one EndpointPolicy with separate ingress and egress
// port rules. A port rule selects traffic by destination port and remote
// identity; its HTTP rules (if any) then have to match the request. Anything
// not matched is denied.
package policy

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mbd888/l7policy/internal/accesslog"
	"github.com/mbd888/l7policy/internal/identity"
)

// Errors
var (
	ErrInvalidRule      = errors.New("policy: invalid rule")
	ErrEndpointNotFound = errors.New("policy: endpoint not found")
)

// Policy answers allow/deny for one local endpoint.
type Policy interface {
	// Allowed reports whether a request on port from remoteID may proceed.
	// Evaluation details are recorded into entry, which may be nil.
	Allowed(ingress bool, port uint16, remoteID identity.NumericIdentity, req *http.Request, entry *accesslog.Entry) bool
}

// HeaderMatch requires a request header. An empty Value only requires presence.
type HeaderMatch struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// HTTPRule matches requests by method, path and host regular expressions
// (full match) and by exact headers. Empty fields match anything.
type HTTPRule struct {
	Method  string        `yaml:"method,omitempty" json:"method,omitempty"`
	Path    string        `yaml:"path,omitempty" json:"path,omitempty"`
	Host    string        `yaml:"host,omitempty" json:"host,omitempty"`
	Headers []HeaderMatch `yaml:"headers,omitempty" json:"headers,omitempty"`

	method *regexp.Regexp
	path   *regexp.Regexp
	host   *regexp.Regexp
}

// PortRule selects traffic by destination port (0 = any) and remote identity
// (empty = any). With no HTTP rules all L7 traffic on the port is allowed.
type PortRule struct {
	Name    string                     `yaml:"name,omitempty" json:"name,omitempty"`
	Port    uint16                     `yaml:"port" json:"port"`
	Remotes []identity.NumericIdentity `yaml:"remotes,omitempty" json:"remotes,omitempty"`
	HTTP    []HTTPRule                 `yaml:"http,omitempty" json:"http,omitempty"`
}

// EndpointPolicy is the policy bound to one local endpoint, keyed by its IP.
type EndpointPolicy struct {
	Name     string                   `yaml:"ip" json:"ip"`
	Identity identity.NumericIdentity `yaml:"identity" json:"identity"`
	Ingress  []PortRule               `yaml:"ingress,omitempty" json:"ingress,omitempty"`
	Egress   []PortRule               `yaml:"egress,omitempty" json:"egress,omitempty"`
}

// Compile validates all rules and prepares their regular expressions.
// It must be called before Allowed; Repository.Replace does this.
func (p *EndpointPolicy) Compile() error {
	if p.Name == "" {
		return fmt.Errorf("%w: endpoint ip is required", ErrInvalidRule)
	}
	if err := compileRules("ingress", p.Ingress); err != nil {
		return fmt.Errorf("endpoint %s: %w", p.Name, err)
	}
	if err := compileRules("egress", p.Egress); err != nil {
		return fmt.Errorf("endpoint %s: %w", p.Name, err)
	}
	return nil
}

func compileRules(direction string, rules []PortRule) error {
	for i := range rules {
		for j := range rules[i].HTTP {
			h := &rules[i].HTTP[j]
			var err error
			if h.method, err = compileAnchored(h.Method); err != nil {
				return fmt.Errorf("%w: %s[%d].http[%d] method: %v", ErrInvalidRule, direction, i, j, err)
			}
			if h.path, err = compileAnchored(h.Path); err != nil {
				return fmt.Errorf("%w: %s[%d].http[%d] path: %v", ErrInvalidRule, direction, i, j, err)
			}
			if h.host, err = compileAnchored(h.Host); err != nil {
				return fmt.Errorf("%w: %s[%d].http[%d] host: %v", ErrInvalidRule, direction, i, j, err)
			}
			for k, hm := range h.Headers {
				if strings.TrimSpace(hm.Name) == "" {
					return fmt.Errorf("%w: %s[%d].http[%d].headers[%d]: name is required", ErrInvalidRule, direction, i, j, k)
				}
			}
		}
	}
	return nil
}

func compileAnchored(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile("^(?:" + expr + ")$")
}

// Allowed implements Policy.
func (p *EndpointPolicy) Allowed(ingress bool, port uint16, remoteID identity.NumericIdentity, req *http.Request, entry *accesslog.Entry) bool {
	direction, rules := "egress", p.Egress
	if ingress {
		direction, rules = "ingress", p.Ingress
	}

	recorded := false
	for i := range rules {
		r := &rules[i]
		if !r.matchesPort(port) || !r.matchesRemote(remoteID) {
			continue
		}
		if len(r.HTTP) == 0 {
			setRuleRef(entry, r.ref(direction, i, -1))
			return true
		}
		for j := range r.HTTP {
			ok, missing, rejected := r.HTTP[j].matches(req)
			if ok {
				setRuleRef(entry, r.ref(direction, i, j))
				return true
			}
			// Header details are only interesting for the first rule that
			// got as far as checking headers.
			if entry != nil && !recorded && len(missing)+len(rejected) > 0 {
				for _, kv := range missing {
					entry.AddMissingHeader(kv.Key, kv.Value)
				}
				for _, kv := range rejected {
					entry.AddRejectedHeader(kv.Key, kv.Value)
				}
				recorded = true
			}
		}
	}
	return false
}

func setRuleRef(entry *accesslog.Entry, ref string) {
	if entry != nil {
		entry.RuleRef = ref
	}
}

func (r *PortRule) matchesPort(port uint16) bool {
	return r.Port == 0 || r.Port == port
}

func (r *PortRule) matchesRemote(id identity.NumericIdentity) bool {
	if len(r.Remotes) == 0 {
		return true
	}
	for _, remote := range r.Remotes {
		if remote == id {
			return true
		}
	}
	return false
}

func (r *PortRule) ref(direction string, i, j int) string {
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("%s[%d]", direction, i)
	}
	if j < 0 {
		return name
	}
	return fmt.Sprintf("%s/http[%d]", name, j)
}

// matches reports whether req satisfies the rule. When everything but the
// headers matched, the offending headers are returned.
func (h *HTTPRule) matches(req *http.Request) (bool, []accesslog.KeyValue, []accesslog.KeyValue) {
	if req == nil {
		return h.method == nil && h.path == nil && h.host == nil && len(h.Headers) == 0, nil, nil
	}
	if h.method != nil && !h.method.MatchString(req.Method) {
		return false, nil, nil
	}
	if h.path != nil {
		path := "/"
		if req.URL != nil {
			path = req.URL.Path
		}
		if !h.path.MatchString(path) {
			return false, nil, nil
		}
	}
	if h.host != nil && !h.host.MatchString(req.Host) {
		return false, nil, nil
	}

	var missing, rejected []accesslog.KeyValue
	for _, hm := range h.Headers {
		values, present := req.Header[http.CanonicalHeaderKey(hm.Name)]
		switch {
		case !present:
			missing = append(missing, accesslog.KeyValue{Key: strings.ToLower(hm.Name), Value: hm.Value})
		case hm.Value != "" && !contains(values, hm.Value):
			rejected = append(rejected, accesslog.KeyValue{Key: strings.ToLower(hm.Name), Value: strings.Join(values, ",")})
		}
	}
	if len(missing)+len(rejected) > 0 {
		return false, missing, rejected
	}
	return true, nil, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

var _ Policy = (*EndpointPolicy)(nil)
