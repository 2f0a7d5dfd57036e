package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/amqclient/contracts"
)

// TypeRegistry maps wire type tags to Go types for object messages
type TypeRegistry interface {
	// Register registers a message type with a type tag
	Register(typeName string, msgType interface{}) error

	// RegisterEncodable registers a value under its own MessageType tag
	RegisterEncodable(msg contracts.Encodable) error

	// Get retrieves the type for a given type tag
	Get(typeName string) (reflect.Type, error)

	// CreateInstance creates a new pointer instance of the registered type
	CreateInstance(typeName string) (interface{}, error)

	// GetTypeName gets the registered type tag for a value
	GetTypeName(msg interface{}) (string, error)

	// IsRegistered checks if a type tag is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered type tags
	ListTypes() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a message type with a type tag
func (r *DefaultTypeRegistry) Register(typeName string, msgType interface{}) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}

	if msgType == nil {
		return fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(msgType)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName

	return nil
}

// RegisterEncodable registers a value under its own MessageType tag
func (r *DefaultTypeRegistry) RegisterEncodable(msg contracts.Encodable) error {
	if msg == nil {
		return fmt.Errorf("message type cannot be nil")
	}
	return r.Register(msg.MessageType(), msg)
}

// Get retrieves the type for a given type tag
func (r *DefaultTypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	return t, nil
}

// CreateInstance creates a new pointer instance of the registered type
func (r *DefaultTypeRegistry) CreateInstance(typeName string) (interface{}, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}

	return reflect.New(t).Interface(), nil
}

// GetTypeName gets the registered type tag for a value
func (r *DefaultTypeRegistry) GetTypeName(msg interface{}) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("type %v not registered", t)
	}

	return name, nil
}

// IsRegistered checks if a type tag is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type tags in sorted order
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)

	return types
}

var globalRegistry = NewTypeRegistry()

// GetGlobalRegistry returns the process-wide type registry used by the default codec
func GetGlobalRegistry() TypeRegistry {
	return globalRegistry
}
