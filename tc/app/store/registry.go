package store

import (
	"fmt"

	"github.com/ikenchina/octopus-tcc/define"
)

// Descriptor binds a scheme to the constructor of its backend.
type Descriptor struct {
	Scheme string
	New    func(cfg Config) (Store, error)
}

// Registry resolves a store scheme. Unknown schemes fall back to the
// declared default.
type Registry struct {
	descriptors   []Descriptor
	defaultScheme string
}

func NewRegistry(defaultScheme string, descs ...Descriptor) *Registry {
	return &Registry{
		descriptors:   descs,
		defaultScheme: defaultScheme,
	}
}

// Builtin registers every backend of this package, db is the default.
func Builtin() *Registry {
	return NewRegistry(define.StoreDB,
		Descriptor{Scheme: define.StoreDB, New: NewGormStore},
		Descriptor{Scheme: define.StoreRedis, New: NewRedisStore},
		Descriptor{Scheme: define.StoreMongo, New: NewMongoStore},
		Descriptor{Scheme: define.StoreFile, New: NewFileStore},
		Descriptor{Scheme: define.StoreMemory, New: NewMemoryStore},
	)
}

func (r *Registry) DefaultScheme() string {
	return r.defaultScheme
}

func (r *Registry) Schemes() []string {
	schemes := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		schemes = append(schemes, d.Scheme)
	}
	return schemes
}

func (r *Registry) lookup(scheme string) (Descriptor, bool) {
	for _, d := range r.descriptors {
		if d.Scheme == scheme {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Open builds the store named by cfg.Scheme, or the default store when the
// scheme is unknown. The returned store has no codec yet.
func (r *Registry) Open(cfg Config) (Store, error) {
	d, ok := r.lookup(cfg.Scheme)
	if !ok {
		d, ok = r.lookup(r.defaultScheme)
		if !ok {
			return nil, fmt.Errorf("%w: %w: default %s is not registered", define.ErrConfiguration, ErrNoStore, r.defaultScheme)
		}
		cfg.Scheme = d.Scheme
	}
	st, err := d.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s : %v", define.ErrConfiguration, ErrNoStore, d.Scheme, err)
	}
	return st, nil
}
