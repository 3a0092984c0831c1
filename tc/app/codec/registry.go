package codec

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/octopus-tcc/common/log"
	"github.com/ikenchina/octopus-tcc/define"
)

var ErrNoCodec = errors.New("no usable codec")

// Descriptor binds a scheme to a codec constructor.
type Descriptor struct {
	Scheme string
	New    func() (Codec, error)
}

// Registry is read-only after construction.
type Registry struct {
	descriptors   []Descriptor
	defaultScheme string
}

func NewRegistry(defaultScheme string, descriptors ...Descriptor) *Registry {
	return &Registry{
		descriptors:   append([]Descriptor(nil), descriptors...),
		defaultScheme: defaultScheme,
	}
}

func constant(c Codec) Descriptor {
	return Descriptor{
		Scheme: c.Scheme(),
		New:    func() (Codec, error) { return c, nil },
	}
}

// Builtin returns the registry of built-in codecs with json as the default.
func Builtin() *Registry {
	return NewRegistry(define.CodecJSON,
		constant(JSON()),
		constant(Gob()),
		constant(BSON()),
		constant(YAML()),
	)
}

func (r *Registry) Schemes() []string {
	schemes := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		schemes = append(schemes, d.Scheme)
	}
	return schemes
}

func (r *Registry) DefaultScheme() string {
	return r.defaultScheme
}

// Resolve returns the first codec declaring scheme, or the default codec when
// none matches. Only a failing default is an error.
func (r *Registry) Resolve(scheme string) (Codec, error) {
	log := logutil.Logger(context.Background())
	for _, d := range r.descriptors {
		if d.Scheme != scheme || d.New == nil {
			continue
		}
		c, err := d.New()
		if err == nil {
			return c, nil
		}
		log.Warn("codec constructor failed, using default",
			zap.String("scheme", scheme), zap.Error(err))
		break
	}

	if scheme != r.defaultScheme && len(scheme) > 0 {
		log.Info("codec scheme is not registered, using default",
			zap.String("scheme", scheme), zap.String("default", r.defaultScheme))
	}
	for _, d := range r.descriptors {
		if d.Scheme != r.defaultScheme || d.New == nil {
			continue
		}
		c, err := d.New()
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %s: %v", define.ErrConfiguration, ErrNoCodec, r.defaultScheme, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %w: default %q is not registered", define.ErrConfiguration, ErrNoCodec, r.defaultScheme)
}
