package models

import (
	"github.com/nvandessel/gpcal/internal/distribution"
)

// Parameter is a named model input with a prior. Active marks whether a
// sampler may move it; only the sampler that owns a search changes it.
type Parameter struct {
	Name   string                    `json:"name"`
	Prior  distribution.Distribution `json:"-"`
	Active bool                      `json:"active"`
}

// NewParameter returns an active parameter owning prior.
func NewParameter(name string, prior distribution.Distribution) Parameter {
	return Parameter{Name: name, Prior: prior, Active: true}
}

// Clone returns a copy whose prior has an independent lifetime.
func (p Parameter) Clone() Parameter {
	c := p
	if p.Prior != nil {
		c.Prior = p.Prior.Clone()
	}
	return c
}

// CloneParameters deep-copies a parameter list.
func CloneParameters(params []Parameter) []Parameter {
	out := make([]Parameter, len(params))
	for i, p := range params {
		out[i] = p.Clone()
	}
	return out
}

// ParameterNames returns the names of params in order.
func ParameterNames(params []Parameter) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}
