package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/amqclient/contracts"
)

// Registry maps protocol names and URI schemes to dialers
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]Dialer
	schemes   map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		protocols: make(map[string]Dialer),
		schemes:   make(map[string]string),
	}
}

// Register binds a protocol name to a dialer and claims the given URI schemes for it.
// A later registration for the same protocol or scheme replaces the earlier one.
func (r *Registry) Register(protocol string, dialer Dialer, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	protocol = strings.ToLower(protocol)
	r.protocols[protocol] = dialer
	for _, s := range schemes {
		r.schemes[strings.ToLower(s)] = protocol
	}
}

// Protocols lists the registered protocol names
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.protocols))
	for name := range r.protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks the dialer for a connection. An explicit protocol wins over the URI scheme.
func (r *Registry) Resolve(protocol, uri string) (Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if protocol != "" {
		d, ok := r.protocols[strings.ToLower(protocol)]
		if !ok {
			return nil, fmt.Errorf("%w: protocol %q", contracts.ErrUnknownProtocol, protocol)
		}
		return d, nil
	}

	scheme := Scheme(uri)
	name, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: scheme %q", contracts.ErrUnknownProtocol, scheme)
	}
	return r.protocols[name], nil
}

// Dial resolves a dialer and dials through it
func (r *Registry) Dial(ctx context.Context, protocol, uri string, creds *Credentials) (Connection, error) {
	d, err := r.Resolve(protocol, uri)
	if err != nil {
		return nil, err
	}
	return d.Dial(ctx, uri, creds)
}

// Scheme returns the lower-cased leading scheme of uri ("activemq" for activemq:tcp://...)
func Scheme(uri string) string {
	i := strings.Index(uri, ":")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}
