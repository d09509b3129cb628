// Package registry tracks the live objects one side of a link exposes to its
// peer. A provider is registered once per class name and carries the
// capability table for that class: the set of methods a remote caller may
// invoke, resolved by reflection at registration time rather than per call.
//
// Objects are instantiated through NewProxy and addressed by an opaque id.
// Registering the same underlying object twice (a factory handing out a
// shared instance, say) increments a reference count instead of creating a
// second entry, and DelProxy drops the object only when the count reaches
// zero.
//
// Methods eligible for remote invocation must have one of these result
// shapes:
//
//	func (o *T) M(...)
//	func (o *T) M(...) error
//	func (o *T) M(...) R
//	func (o *T) M(...) (R, error)
//
// By default every exported method with an admissible shape is callable. A
// type can narrow that by implementing Exposer.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"pipelink/logging"
	"pipelink/wire"
)

// ErrNameInUse is returned by Provide when a provider with the same class
// name is already registered.
var ErrNameInUse = errors.New("registry: name already in use")

// Exposer narrows the set of remotely callable methods. Names not listed are
// rejected with a not_exposed error even if the method exists.
type Exposer interface {
	ExposedMethods() []string
}

// ProvideOption configures a Provide call.
type ProvideOption func(*provideConfig)

type provideConfig struct {
	name    string
	factory any
}

// WithName overrides the class name derived from the prototype's type.
func WithName(name string) ProvideOption {
	return func(c *provideConfig) { c.name = name }
}

// WithFactory supplies the constructor NewProxy invokes. The function's
// arguments are filled from the caller's args and kwargs, and it must return
// a value assignable to the prototype's type, optionally with a trailing
// error. Without a factory, NewProxy builds a zero value and rejects
// constructor arguments.
func WithFactory(fn any) ProvideOption {
	return func(c *provideConfig) { c.factory = fn }
}

// provider is the per-class capability table, built once at Provide.
type provider struct {
	name    string
	typ     reflect.Type
	factory reflect.Value // invalid when the zero-value constructor applies
	methods map[string]reflect.Method
	exposed []string
}

// object is a single live instance held on behalf of the peer.
type object struct {
	id    string
	class string
	value reflect.Value
	refs  int
}

// Registry is safe for concurrent use. Factories and object methods run
// outside the lock, so a slow or blocking method never stalls registration
// bookkeeping.
type Registry struct {
	mu        sync.Mutex
	log       logging.Logger
	providers map[string]*provider
	objects   map[string]*object
	identity  map[any]string
}

// New creates an empty Registry. A nil logger falls back to NopLogger.
func New(log logging.Logger) *Registry {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Registry{
		log:       log,
		providers: make(map[string]*provider),
		objects:   make(map[string]*object),
		identity:  make(map[any]string),
	}
}

// Provide registers a class under a name and builds its capability table.
// The prototype value itself is never exposed; it only determines the type.
// The registered name is returned.
func (r *Registry) Provide(prototype any, opts ...ProvideOption) (string, error) {
	if prototype == nil {
		return "", errors.New("registry: prototype must not be nil")
	}
	var cfg provideConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	typ := reflect.TypeOf(prototype)
	name := cfg.name
	if name == "" {
		name = typeName(typ)
	}
	if name == "" {
		return "", fmt.Errorf("registry: unnamed type %s needs WithName", typ)
	}

	all := scanMethods(typ)
	exposed, err := exposedOf(prototype, name, all)
	if err != nil {
		return "", err
	}
	methods := make(map[string]reflect.Method, len(exposed))
	for _, fn := range exposed {
		methods[fn] = all[fn]
	}

	p := &provider{name: name, typ: typ, methods: methods, exposed: exposed}
	if cfg.factory != nil {
		fv := reflect.ValueOf(cfg.factory)
		if err := checkFactory(fv.Type(), typ); err != nil {
			return "", fmt.Errorf("registry: factory for %q: %w", name, err)
		}
		p.factory = fv
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return "", fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	r.providers[name] = p
	r.log.Debug("provider registered", "class", name, "methods", len(exposed))
	return name, nil
}

// NewProxy instantiates an object of the named class and returns the handle
// the peer needs to build a proxy. If the instance is one the registry
// already holds, its reference count is incremented and the existing id is
// reused.
func (r *Registry) NewProxy(name string, args []any, kwargs map[string]any) (*wire.ProxyHandle, error) {
	r.mu.Lock()
	p, ok := r.providers[name]
	r.mu.Unlock()
	if !ok {
		return nil, wire.Errorf(wire.KindNoObject, "no provider named %q", name)
	}

	value, err := r.construct(p, args, kwargs)
	if err != nil {
		return nil, err
	}

	comparable := value.Type().Comparable()
	r.mu.Lock()
	defer r.mu.Unlock()
	if comparable {
		if id, exists := r.identity[value.Interface()]; exists {
			obj := r.objects[id]
			obj.refs++
			r.log.Debug("object shared", "object_id", id, "class", obj.class, "refs", obj.refs)
			return &wire.ProxyHandle{ObjectID: id, TypeName: obj.class, Exposed: p.exposed}, nil
		}
	}
	obj := &object{id: wire.NewID(), class: name, value: value, refs: 1}
	r.objects[obj.id] = obj
	if comparable {
		r.identity[value.Interface()] = obj.id
	}
	r.log.Debug("object registered", "object_id", obj.id, "class", name)
	return &wire.ProxyHandle{ObjectID: obj.id, TypeName: name, Exposed: p.exposed}, nil
}

// construct builds a new instance outside the registry lock.
func (r *Registry) construct(p *provider, args []any, kwargs map[string]any) (reflect.Value, error) {
	if !p.factory.IsValid() {
		if len(args) > 0 || len(kwargs) > 0 {
			return reflect.Value{}, wire.Errorf(wire.KindBadArgument,
				"%q has no factory and takes no constructor arguments", p.name)
		}
		if p.typ.Kind() == reflect.Ptr {
			return reflect.New(p.typ.Elem()), nil
		}
		return reflect.Zero(p.typ), nil
	}
	in, err := buildArgs(p.factory.Type(), nil, args, kwargs)
	if err != nil {
		return reflect.Value{}, err
	}
	outs := p.factory.Call(in)
	if len(outs) == 2 {
		if ferr := toError(outs[1]); ferr != nil {
			return reflect.Value{}, wire.AsCallError(ferr)
		}
	}
	return outs[0], nil
}

// DelProxy decrements an object's reference count and drops the object when
// the count reaches zero. Unknown ids are logged and ignored; release is
// advisory and may race with a link teardown.
func (r *Registry) DelProxy(objectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[objectID]
	if !ok {
		r.log.Warn("release for unknown object", "object_id", objectID)
		return
	}
	obj.refs--
	if obj.refs > 0 {
		r.log.Debug("object still referenced", "object_id", objectID, "refs", obj.refs)
		return
	}
	delete(r.objects, objectID)
	if obj.value.Type().Comparable() {
		delete(r.identity, obj.value.Interface())
	}
	r.log.Debug("object released", "object_id", objectID, "class", obj.class)
}

// CallMethod invokes an exposed method on a registered object. Errors carry a
// wire.CallError kind: no_object for an unknown id, not_exposed for a method
// outside the capability table, bad_argument when arguments cannot be bound,
// and application for errors or panics from the method itself.
func (r *Registry) CallMethod(objectID, function string, args []any, kwargs map[string]any) (any, error) {
	r.mu.Lock()
	obj, ok := r.objects[objectID]
	if !ok {
		r.mu.Unlock()
		return nil, wire.Errorf(wire.KindNoObject, "no object %q", objectID)
	}
	p := r.providers[obj.class]
	m, ok := p.methods[function]
	if !ok {
		r.mu.Unlock()
		return nil, wire.Errorf(wire.KindNotExposed, "%s has no exposed method %q", obj.class, function)
	}
	rcvr := obj.value
	r.mu.Unlock()

	return invoke(m, rcvr, args, kwargs)
}

// Names returns the registered class names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of live objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// RefCount reports the reference count of an object, 0 if unknown.
func (r *Registry) RefCount(objectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[objectID]; ok {
		return obj.refs
	}
	return 0
}

func typeName(typ reflect.Type) string {
	if typ.Kind() == reflect.Ptr {
		return typ.Elem().Name()
	}
	return typ.Name()
}

// scanMethods collects every exported method with an admissible result shape.
func scanMethods(typ reflect.Type) map[string]reflect.Method {
	methods := make(map[string]reflect.Method)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !admissible(m.Type) {
			continue
		}
		methods[m.Name] = m
	}
	return methods
}

// admissible reports whether a method's results are one of (), (T), (error)
// or (T, error).
func admissible(mt reflect.Type) bool {
	switch mt.NumOut() {
	case 0, 1:
		return true
	case 2:
		return mt.Out(1) == errorType
	default:
		return false
	}
}

func exposedOf(prototype any, name string, all map[string]reflect.Method) ([]string, error) {
	if e, ok := prototype.(Exposer); ok {
		listed := e.ExposedMethods()
		exposed := make([]string, 0, len(listed))
		for _, fn := range listed {
			if _, ok := all[fn]; !ok {
				return nil, fmt.Errorf("registry: %s exposes unknown method %q", name, fn)
			}
			exposed = append(exposed, fn)
		}
		sort.Strings(exposed)
		return exposed, nil
	}
	exposed := make([]string, 0, len(all))
	for fn := range all {
		exposed = append(exposed, fn)
	}
	sort.Strings(exposed)
	return exposed, nil
}

func checkFactory(ft, want reflect.Type) error {
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("got %s, want a function", ft.Kind())
	}
	switch ft.NumOut() {
	case 1:
	case 2:
		if ft.Out(1) != errorType {
			return fmt.Errorf("second result must be error, got %s", ft.Out(1))
		}
	default:
		return fmt.Errorf("must return (T) or (T, error)")
	}
	if !ft.Out(0).AssignableTo(want) {
		return fmt.Errorf("returns %s, not assignable to %s", ft.Out(0), want)
	}
	return nil
}
