package policy

import (
	"crypto/subtle"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capability names advertised by the runtime.
const (
	CapProtocolGraph     = "protocol:graph"
	CapProtocolComponent = "protocol:component"
	CapProtocolNetwork   = "protocol:network"
	CapProtocolRuntime   = "protocol:runtime"
	CapComponentSetSrc   = "component:setsource"
	CapComponentGetSrc   = "component:getsource"
	CapGraphReadOnly     = "graph:readonly"
	CapNetworkData       = "network:data"
	CapNetworkControl    = "network:control"
	CapNetworkStatus     = "network:status"
)

// DefaultCapabilities is the capability set used when none is configured.
var DefaultCapabilities = []string{
	CapProtocolGraph,
	CapProtocolComponent,
	CapProtocolNetwork,
	CapProtocolRuntime,
	CapComponentSetSrc,
	CapComponentGetSrc,
	CapGraphReadOnly,
	CapNetworkData,
	CapNetworkControl,
	CapNetworkStatus,
}

// Checker is the interface used by the dispatch layer to authorize commands.
type Checker interface {
	CanDo(required []string, secret string) bool
	CanInput(protocol, topic, secret string) bool
	Permitted(secret string) []string
	Capabilities() []string
	PolicyVersion() string
}

// Permissions is the serializable per-secret capability grant file.
type Permissions struct {
	// DefaultPermissions applies to commands sent without a secret.
	DefaultPermissions []string `yaml:"default_permissions"`
	// Permissions maps a client secret to its granted capabilities.
	Permissions map[string][]string `yaml:"permissions"`
}

// Default grants nothing to anyone.
func Default() Permissions {
	return Permissions{Permissions: map[string][]string{}}
}

// LoadPermissions reads a permissions file. A missing or empty file yields
// the deny-all default. Capabilities not in known are rejected.
func LoadPermissions(path string, known []string) (Permissions, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Permissions{}, fmt.Errorf("read permissions: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Permissions
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Permissions{}, fmt.Errorf("parse permissions: %w", err)
	}
	if p.Permissions == nil {
		p.Permissions = map[string][]string{}
	}
	if err := p.validate(known); err != nil {
		return Permissions{}, err
	}
	return p, nil
}

func (p Permissions) validate(known []string) error {
	knownSet := make(map[string]struct{}, len(known))
	for _, c := range known {
		knownSet[c] = struct{}{}
	}
	check := func(owner string, caps []string) error {
		for _, c := range caps {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if _, ok := knownSet[c]; !ok {
				return fmt.Errorf("%s: unknown capability %q", owner, c)
			}
		}
		return nil
	}
	if err := check("default_permissions", p.DefaultPermissions); err != nil {
		return err
	}
	for secret, caps := range p.Permissions {
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("permissions: empty secret")
		}
		if err := check("permissions", caps); err != nil {
			return err
		}
	}
	return nil
}

// Permitted returns the grant list for secret: the anonymous default when
// secret is empty, the configured list when known, otherwise nothing.
func (p Permissions) Permitted(secret string) []string {
	if secret == "" {
		return append([]string(nil), p.DefaultPermissions...)
	}
	for k, caps := range p.Permissions {
		if subtle.ConstantTimeCompare([]byte(secret), []byte(k)) == 1 {
			return append([]string(nil), caps...)
		}
	}
	return []string{}
}

// Gate answers capability questions against a live, reloadable permission set.
type Gate struct {
	mu           sync.RWMutex
	capabilities []string
	perms        Permissions
}

// NewGate creates a gate advertising capabilities (DefaultCapabilities when
// empty) and granting according to perms.
func NewGate(capabilities []string, perms Permissions) *Gate {
	if len(capabilities) == 0 {
		capabilities = DefaultCapabilities
	}
	if perms.Permissions == nil {
		perms.Permissions = map[string][]string{}
	}
	return &Gate{
		capabilities: append([]string(nil), capabilities...),
		perms:        perms,
	}
}

// Capabilities returns every capability the runtime advertises.
func (g *Gate) Capabilities() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.capabilities...)
}

func (g *Gate) Permitted(secret string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.perms.Permitted(secret)
}

// CanDo reports whether secret holds at least one of required.
func (g *Gate) CanDo(required []string, secret string) bool {
	permitted := g.Permitted(secret)
	for _, r := range required {
		for _, p := range permitted {
			if p == r {
				return true
			}
		}
	}
	return false
}

// CanInput reports whether secret may send the command protocol:topic.
// Commands missing from the table are denied.
func (g *Gate) CanInput(protocol, topic, secret string) bool {
	required, always, ok := Required(protocol, topic)
	if !ok {
		return false
	}
	if always {
		return true
	}
	return g.CanDo(required, secret)
}

func (g *Gate) PolicyVersion() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return versionFor(g.perms)
}

// Reload replaces the permission data.
func (g *Gate) Reload(p Permissions) {
	if p.Permissions == nil {
		p.Permissions = map[string][]string{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perms = p
}

// ReloadFromFile updates the gate only when the file parses and validates.
// On error, the previous permissions remain active.
func ReloadFromFile(g *Gate, path string) error {
	if g == nil {
		return fmt.Errorf("nil gate")
	}
	p, err := LoadPermissions(path, g.Capabilities())
	if err != nil {
		return err
	}
	g.Reload(p)
	return nil
}

func versionFor(p Permissions) string {
	h := fnv.New64a()
	for _, v := range p.DefaultPermissions {
		_, _ = h.Write([]byte(strings.TrimSpace(v) + "|"))
	}
	secrets := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		secrets = append(secrets, k)
	}
	sort.Strings(secrets)
	for _, k := range secrets {
		_, _ = h.Write([]byte(k + "="))
		for _, v := range p.Permissions[k] {
			_, _ = h.Write([]byte(strings.TrimSpace(v) + ","))
		}
		_, _ = h.Write([]byte("|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
