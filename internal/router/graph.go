package router

import "github.com/antoniostano/delegator/internal/memory"

type PlanNode struct {
	ID          string `json:"id"`
	Seq         int    `json:"seq"`
	Tag         string `json:"tag"`
	AgentID     string `json:"agent_id"`
	Optional    bool   `json:"optional,omitempty"`
	Internal    bool   `json:"internal,omitempty"`
	FallbackFor string `json:"fallback_for,omitempty"`
}

type PlanEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

type PlanGraph struct {
	Version    int        `json:"version"`
	Classifier string     `json:"classifier,omitempty"`
	Nodes      []PlanNode `json:"nodes"`
	Edges      []PlanEdge `json:"edges"`
}

// Graph renders a plan as nodes and "needs" edges running from producer to
// consumer.
func Graph(p memory.Plan) PlanGraph {
	g := PlanGraph{
		Version:    1,
		Classifier: p.Classifier,
		Nodes:      make([]PlanNode, 0, len(p.Steps)),
		Edges:      []PlanEdge{},
	}
	for i, s := range p.Steps {
		g.Nodes = append(g.Nodes, PlanNode{
			ID:          s.ID,
			Seq:         i + 1,
			Tag:         s.Tag,
			AgentID:     s.AgentID,
			Optional:    s.Optional,
			Internal:    s.Internal,
			FallbackFor: s.FallbackFor,
		})
		for _, dep := range s.DependsOn {
			g.Edges = append(g.Edges, PlanEdge{From: dep, To: s.ID, Kind: "needs"})
		}
	}
	return g
}
