package config

import (
	"errors"
	"fmt"

	"github.com/willibrandon/tideflow/core"
)

// Validation failures abort startup; no partial initialization.
var (
	ErrNoSources = errors.New("at least one source is required")
	ErrNoSinks   = errors.New("at least one sink is required")
	ErrEmptyDAG  = errors.New("dag must configure at least one edge")
)

// Validate performs the startup checks: node references resolve, the DAG is
// acyclic, and at most one sink is the default.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return ErrNoSources
	}
	if len(c.Sinks) == 0 {
		return ErrNoSinks
	}
	if len(c.DAG) == 0 {
		return ErrEmptyDAG
	}

	defaults := 0
	for name, s := range c.Sinks {
		if s.Default {
			defaults++
		}
		switch core.EncodingType(s.Encoding.Type) {
		case core.EncodingNDJSON, core.EncodingJSON:
		case core.EncodingAvro, core.EncodingParquet:
			if s.Encoding.Schema == "" {
				return fmt.Errorf("sink %q: encoding %s requires a schema", name, s.Encoding.Type)
			}
		default:
			return fmt.Errorf("sink %q: unknown encoding %q", name, s.Encoding.Type)
		}
		switch core.CompressionType(s.Compression.Type) {
		case core.CompressionNone, core.CompressionGzip, core.CompressionZstd:
		default:
			return fmt.Errorf("sink %q: unknown compression %q", name, s.Compression.Type)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%d sinks marked default, at most one allowed", defaults)
	}

	for i, e := range c.DAG {
		if err := c.checkNode(e.From); err != nil {
			return fmt.Errorf("dag[%d].from: %w", i, err)
		}
		if len(e.To) == 0 {
			return fmt.Errorf("dag[%d]: edge has no consumers", i)
		}
		for j, to := range e.To {
			if err := c.checkNode(to); err != nil {
				return fmt.Errorf("dag[%d].to[%d]: %w", i, j, err)
			}
		}
	}

	if cyc := c.findCycle(); cyc != "" {
		return fmt.Errorf("dag contains a cycle through %s", cyc)
	}
	return nil
}

func (c *Config) checkNode(n NodeRefConfig) error {
	switch core.NodeKind(n.Kind) {
	case core.KindSource:
		if _, ok := c.Sources[n.Name]; !ok {
			return fmt.Errorf("unknown source %q", n.Name)
		}
		if n.KeyPrefix != "" {
			return fmt.Errorf("key_prefix is only valid on sink nodes")
		}
	case core.KindPlugin:
		if _, ok := c.Plugins[n.Name]; !ok {
			return fmt.Errorf("unknown plugin %q", n.Name)
		}
		if n.KeyPrefix != "" {
			return fmt.Errorf("key_prefix is only valid on sink nodes")
		}
	case core.KindSink:
		if _, ok := c.Sinks[n.Name]; !ok {
			return fmt.Errorf("unknown sink %q", n.Name)
		}
	default:
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	return nil
}

// findCycle runs a three-color DFS over the adjacency; key_prefix is not
// part of node identity for cycle purposes.
func (c *Config) findCycle() string {
	type nodeID struct {
		kind core.NodeKind
		name string
	}
	adj := make(map[nodeID][]nodeID)
	for _, e := range c.DAG {
		from := nodeID{core.NodeKind(e.From.Kind), e.From.Name}
		for _, to := range e.To {
			adj[from] = append(adj[from], nodeID{core.NodeKind(to.Kind), to.Name})
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[nodeID]int)

	var visit func(n nodeID) string
	visit = func(n nodeID) string {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return fmt.Sprintf("%s:%s", next.kind, next.name)
			case white:
				if cyc := visit(next); cyc != "" {
					return cyc
				}
			}
		}
		color[n] = black
		return ""
	}

	for n := range adj {
		if color[n] == white {
			if cyc := visit(n); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}
