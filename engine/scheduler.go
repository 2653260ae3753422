// ABOUTME: Token manager and scheduler: publish/consume, join policies, edge filtering, epoch advancement.
// ABOUTME: Pending tokens are locked per edge; candidates and condition branches under the scheduler mutex.
package engine

import (
	"sort"
	"sync"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
	"github.com/dipeo/dipeo/events"
	"github.com/dipeo/dipeo/state"
)

// edgeQueue holds one edge's pending tokens, keyed by epoch. Each edge has
// its own lock so publishes on unrelated edges never contend.
type edgeQueue struct {
	mu      sync.Mutex
	pending map[uint64][]Token
	nextSeq map[uint64]uint64
}

func newEdgeQueue() *edgeQueue {
	return &edgeQueue{
		pending: make(map[uint64][]Token),
		nextSeq: make(map[uint64]uint64),
	}
}

type candidateKey struct {
	node  diagram.NodeID
	epoch uint64
}

type branchKey struct {
	cond  diagram.NodeID
	epoch uint64
}

// Scheduler drives execution by token flow for a single execution. It owns
// readiness semantics: join policies, the three edge filtering rules, and
// epoch advancement on loop-back.
type Scheduler struct {
	diag    *diagram.ExecutableDiagram
	tracker *state.Tracker
	bus     *events.Bus
	execID  diagram.ExecutionID

	mu         sync.Mutex
	queues     map[diagram.EdgeID]*edgeQueue
	epoch      uint64
	candidates map[candidateKey]struct{}
	branches   map[branchKey]diagram.HandleLabel
}

// NewScheduler creates the scheduler for one execution.
func NewScheduler(diag *diagram.ExecutableDiagram, tracker *state.Tracker, bus *events.Bus, execID diagram.ExecutionID) *Scheduler {
	s := &Scheduler{
		diag:       diag,
		tracker:    tracker,
		bus:        bus,
		execID:     execID,
		queues:     make(map[diagram.EdgeID]*edgeQueue, len(diag.Edges)),
		candidates: make(map[candidateKey]struct{}),
		branches:   make(map[branchKey]diagram.HandleLabel),
	}
	for _, e := range diag.Edges {
		s.queues[e.ID] = newEdgeQueue()
	}
	return s
}

// CurrentEpoch returns the execution's current epoch.
func (s *Scheduler) CurrentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// PublishOut routes an output envelope onto an edge at the current epoch.
// A loop-back edge whose target already executed at the current epoch
// advances the epoch first, so the token lands on the fresh iteration.
func (s *Scheduler) PublishOut(edge *diagram.ExecutableEdge, env *envelope.Envelope) Token {
	s.mu.Lock()
	epoch := s.epoch
	if edge.Kind == diagram.EdgeLoopback && s.tracker.ExecutionCount(edge.TargetNode, epoch) > 0 {
		s.epoch++
		epoch = s.epoch
	}
	s.mu.Unlock()
	return s.Publish(edge, epoch, env)
}

// Publish allocates the next seq for (edge, epoch) under the edge lock,
// enqueues the token, emits TokenPublished, and wakes the target node.
func (s *Scheduler) Publish(edge *diagram.ExecutableEdge, epoch uint64, env *envelope.Envelope) Token {
	q := s.queues[edge.ID]
	q.mu.Lock()
	q.nextSeq[epoch]++
	tok := Token{Edge: edge, Epoch: epoch, Seq: q.nextSeq[epoch], Env: env}
	q.pending[epoch] = append(q.pending[epoch], tok)
	q.mu.Unlock()

	s.bus.Publish(s.execID, events.TokenPublished, map[string]any{
		"edge_id":      string(edge.ID),
		"epoch":        epoch,
		"seq":          tok.Seq,
		"content_type": string(env.ContentType),
	})

	s.mu.Lock()
	s.candidates[candidateKey{node: edge.TargetNode, epoch: epoch}] = struct{}{}
	s.mu.Unlock()
	return tok
}

// ConsumeInbound atomically removes the earliest pending token from every
// incoming edge holding one at the epoch, emits TokenConsumed per token,
// and returns the consumed set.
func (s *Scheduler) ConsumeInbound(node diagram.NodeID, epoch uint64) []Token {
	var consumed []Token
	for _, e := range s.diag.IncomingEdges(node) {
		q := s.queues[e.ID]
		q.mu.Lock()
		list := q.pending[epoch]
		if len(list) > 0 {
			consumed = append(consumed, list[0])
			if len(list) == 1 {
				delete(q.pending, epoch)
			} else {
				q.pending[epoch] = list[1:]
			}
		}
		q.mu.Unlock()
	}
	for _, tok := range consumed {
		s.bus.Publish(s.execID, events.TokenConsumed, map[string]any{
			"edge_id": string(tok.Edge.ID),
			"epoch":   tok.Epoch,
			"seq":     tok.Seq,
		})
	}
	// The candidate stays live while any incoming edge still holds a token
	// at this epoch, so queued fan-in is not stranded.
	remaining := false
	for _, e := range s.diag.IncomingEdges(node) {
		if s.hasToken(e, epoch) {
			remaining = true
			break
		}
	}
	if !remaining {
		s.mu.Lock()
		delete(s.candidates, candidateKey{node: node, epoch: epoch})
		s.mu.Unlock()
	}
	return consumed
}

// SetActiveBranch records which branch a condition selected at an epoch.
// Inactive-branch edges are treated as satisfied for that epoch.
func (s *Scheduler) SetActiveBranch(cond diagram.NodeID, epoch uint64, label diagram.HandleLabel) {
	s.mu.Lock()
	s.branches[branchKey{cond: cond, epoch: epoch}] = label
	s.mu.Unlock()
}

func (s *Scheduler) activeBranch(cond diagram.NodeID, epoch uint64) (diagram.HandleLabel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	label, ok := s.branches[branchKey{cond: cond, epoch: epoch}]
	return label, ok
}

// IsReady evaluates the node's join policy over its incoming edges at the
// given epoch, after edge filtering.
func (s *Scheduler) IsReady(node diagram.NodeID, epoch uint64) bool {
	incoming := s.diag.IncomingEdges(node)
	if len(incoming) == 0 {
		return false // start nodes are seeded by the driver, not by tokens
	}

	policy := s.diag.Node(node).JoinRule()
	switch policy.Kind {
	case diagram.JoinAny:
		return s.tokenCount(incoming, epoch) >= 1
	case diagram.JoinKOfN:
		return s.tokenCount(incoming, epoch) >= policy.K
	default:
		required := s.requiredEdges(node, epoch)
		if len(required) == 0 {
			// Nothing is required (for example a loop node whose start edge
			// is spent): any arriving token fires it.
			return s.tokenCount(incoming, epoch) >= 1
		}
		for _, e := range required {
			if !s.hasToken(e, epoch) {
				return false
			}
		}
		return true
	}
}

// requiredEdges applies the three filtering rules:
//  1. Start-sourced edges are required only until the target's first run.
//  2. Edges from a skippable condition are not required, unless no other
//     required edges remain, in which case they become required again.
//  3. Once a condition has evaluated at an epoch, only its active branch
//     edge is required; the inactive branch is satisfied by definition.
func (s *Scheduler) requiredEdges(node diagram.NodeID, epoch uint64) []*diagram.ExecutableEdge {
	var required, skippable []*diagram.ExecutableEdge
	for _, e := range s.diag.IncomingEdges(node) {
		src := s.diag.Node(e.SourceNode)
		if src.NodeType() == diagram.NodeTypeStart {
			if s.tracker.TotalExecutionCount(node) == 0 {
				required = append(required, e)
			}
			continue
		}
		if isConditionBranch(e) {
			if active, evaluated := s.activeBranch(e.SourceNode, epoch); evaluated {
				if e.SourceLabel == active {
					required = append(required, e)
				}
				continue
			}
			if cond, ok := src.(*diagram.ConditionNode); ok && cond.Skippable {
				skippable = append(skippable, e)
			}
			// An unevaluated non-skippable branch may never fire at this
			// epoch; it is not required either.
			continue
		}
		required = append(required, e)
	}
	if len(required) == 0 {
		required = skippable
	}
	return required
}

func isConditionBranch(e *diagram.ExecutableEdge) bool {
	switch e.Kind {
	case diagram.EdgeConditionTrue, diagram.EdgeConditionFalse, diagram.EdgeLoopback:
		return e.SourceLabel == diagram.LabelCondTrue || e.SourceLabel == diagram.LabelCondFalse
	}
	return false
}

func (s *Scheduler) hasToken(e *diagram.ExecutableEdge, epoch uint64) bool {
	q := s.queues[e.ID]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[epoch]) > 0
}

func (s *Scheduler) tokenCount(edges []*diagram.ExecutableEdge, epoch uint64) int {
	n := 0
	for _, e := range edges {
		if s.hasToken(e, epoch) {
			n++
		}
	}
	return n
}

// ReadyCandidate is one node that may fire at a specific epoch.
type ReadyCandidate struct {
	Node  diagram.NodeID
	Epoch uint64
}

// ReadyCandidates returns the candidate nodes that are currently ready,
// ordered by topological hint then node ID. The driver keeps its own FIFO;
// this ordering only breaks ties among nodes becoming ready together.
func (s *Scheduler) ReadyCandidates() []ReadyCandidate {
	s.mu.Lock()
	keys := make([]candidateKey, 0, len(s.candidates))
	for k := range s.candidates {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var ready []ReadyCandidate
	for _, k := range keys {
		if s.IsReady(k.node, k.epoch) {
			ready = append(ready, ReadyCandidate{Node: k.node, Epoch: k.epoch})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		hi, hj := s.diag.Deps.TopoHint[ready[i].Node], s.diag.Deps.TopoHint[ready[j].Node]
		if hi != hj {
			return hi < hj
		}
		if ready[i].Epoch != ready[j].Epoch {
			return ready[i].Epoch < ready[j].Epoch
		}
		return ready[i].Node < ready[j].Node
	})
	return ready
}

// HasPendingTokens reports whether any edge still holds an unconsumed
// token at any epoch.
func (s *Scheduler) HasPendingTokens() bool {
	for _, e := range s.diag.Edges {
		q := s.queues[e.ID]
		q.mu.Lock()
		n := 0
		for _, list := range q.pending {
			n += len(list)
		}
		q.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}
