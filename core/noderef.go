package core

import "fmt"

// NodeKind tags the three node families a DAG edge may reference.
type NodeKind string

const (
	KindSource NodeKind = "source"
	KindPlugin NodeKind = "plugin"
	KindSink   NodeKind = "sink"
)

// NodeRef identifies one DAG node. KeyPrefix applies only to sink nodes and
// scopes the object-key namespace the edge writes into.
type NodeRef struct {
	Kind      NodeKind
	Name      string
	KeyPrefix string
}

func (n NodeRef) String() string {
	if n.Kind == KindSink && n.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s/%s", n.Kind, n.Name, n.KeyPrefix)
	}
	return fmt.Sprintf("%s:%s", n.Kind, n.Name)
}

// Edge is one adjacency entry of the configured DAG.
type Edge struct {
	From NodeRef
	To   []NodeRef
}

// RouteKey groups records sharing a destination object-key namespace. Each
// route owns its own current WAL segment.
type RouteKey struct {
	Sink   string
	Prefix string
}

// String renders the stable form hashed for shard selection.
func (rk RouteKey) String() string {
	if rk.Prefix == "" {
		return rk.Sink
	}
	return rk.Sink + "|" + rk.Prefix
}
