package pipeline

import (
	"fmt"

	"firestige.xyz/dissect/internal/config"
	"firestige.xyz/dissect/internal/protocol"
	"firestige.xyz/dissect/internal/session"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
	err    error
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			BufferSize: 1024,
		},
	}
}

// FromConfig applies the session limits and protocol bindings of a loaded
// configuration, instantiating each profile through the protocol registry.
func (b *Builder) FromConfig(cfg *config.GlobalConfig) *Builder {
	b.config.Session = session.Config{
		MaxMessageSize:         cfg.Session.MaxMessageSize,
		MaxFragmentMessageSize: cfg.Session.MaxFragmentMessageSize,
	}
	b.config.ReplayVerify = cfg.Session.ReplayVerify
	for i, pc := range cfg.Protocols {
		p, err := protocol.New(pc.Profile, pc.Options)
		if err != nil {
			b.err = fmt.Errorf("protocols[%d]: %w", i, err)
			return b
		}
		b.config.Bindings = append(b.config.Bindings, session.Binding{Profile: p, Ports: pc.Ports})
	}
	return b
}

// WithSession sets the session limits.
func (b *Builder) WithSession(cfg session.Config) *Builder {
	b.config.Session = cfg
	return b
}

// WithBinding adds a protocol binding.
func (b *Builder) WithBinding(p protocol.Profile, ports ...uint16) *Builder {
	b.config.Bindings = append(b.config.Bindings, session.Binding{Profile: p, Ports: ports})
	return b
}

// WithSource sets the record source.
func (b *Builder) WithSource(src Source) *Builder {
	b.config.Source = src
	return b
}

// WithSinks sets the result consumers.
func (b *Builder) WithSinks(sinks ...Sink) *Builder {
	b.config.Sinks = sinks
	return b
}

// WithReplayVerify enables the verifying replay pass.
func (b *Builder) WithReplayVerify(on bool) *Builder {
	b.config.ReplayVerify = on
	return b
}

// WithBufferSize sets the record channel buffer size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	return New(b.config)
}
