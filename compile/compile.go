// ABOUTME: Compiler entry point: runs the six phases over a shared context and assembles the frozen diagram.
// ABOUTME: Any error in a phase skips all later phases; compilation is deterministic for a given input.
package compile

import (
	"fmt"

	"github.com/dipeo/dipeo/diagram"
)

// pass is the shared compilation context threaded through the phases. Each
// phase reads the fields earlier phases populated and appends its own.
type pass struct {
	domain   *diagram.DomainDiagram
	nodes    map[diagram.NodeID]diagram.ExecutableNode
	conns    []connection
	edges    []*diagram.ExecutableEdge
	deps     *diagram.DependencyIndex
	errors   []*Error
	warnings []Warning
}

func (p *pass) errorf(phase Phase, nodeID diagram.NodeID, edgeID diagram.EdgeID, format string, args ...any) {
	p.errors = append(p.errors, &Error{
		Phase:   phase,
		Message: fmt.Sprintf(format, args...),
		NodeID:  nodeID,
		EdgeID:  edgeID,
	})
}

func (p *pass) warnf(phase Phase, nodeID diagram.NodeID, format string, args ...any) {
	p.warnings = append(p.warnings, Warning{
		Phase:   phase,
		Message: fmt.Sprintf(format, args...),
		NodeID:  nodeID,
	})
}

// Compile turns a domain diagram into a frozen executable diagram. The six
// phases run in order: validation, node transformation, connection
// resolution, edge building, optimization, assembly. The first phase that
// records an error ends the pipeline.
func Compile(d *diagram.DomainDiagram) *Result {
	p := &pass{domain: d}

	phases := []func(*pass){
		validate,
		transformNodes,
		resolveConnections,
		buildEdges,
		optimize,
	}
	for _, phase := range phases {
		phase(p)
		if len(p.errors) > 0 {
			return &Result{Errors: p.errors, Warnings: p.warnings}
		}
	}

	return &Result{Diagram: assemble(p), Warnings: p.warnings}
}

// assemble freezes the compiled parts into the immutable executable diagram.
func assemble(p *pass) *diagram.ExecutableDiagram {
	persons := make(map[diagram.PersonID]diagram.Person, len(p.domain.Persons))
	for id, person := range p.domain.Persons {
		persons[id] = person
	}
	var starts []diagram.NodeID
	for _, id := range p.domain.NodesOfType(diagram.NodeTypeStart) {
		starts = append(starts, id)
	}
	return &diagram.ExecutableDiagram{
		ID:         p.domain.ID,
		Nodes:      p.nodes,
		Edges:      p.edges,
		Deps:       p.deps,
		StartNodes: starts,
		Persons:    persons,
	}
}
