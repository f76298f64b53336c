package sources

import (
	"context"

	"github.com/willibrandon/tideflow/core"
)

// Forwarder injects frames into the DAG on behalf of a source node. The
// router implements it.
type Forwarder interface {
	Forward(ctx context.Context, from core.NodeRef, frames [][]byte, acks []core.Ack) error
}

// Source is one running ingest adapter. Run blocks until ctx is cancelled
// or the source's input is exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

func sourceRef(name string) core.NodeRef {
	return core.NodeRef{Kind: core.KindSource, Name: name}
}
