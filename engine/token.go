// ABOUTME: Token type: an envelope in flight on one edge at one epoch with a per-edge-epoch sequence.
// ABOUTME: At most one token per (edge, epoch, seq) ever exists; seq is strictly monotonic per (edge, epoch).
package engine

import (
	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
)

// Token is one envelope traveling an edge. Tokens are consumed in seq
// order per (edge, epoch).
type Token struct {
	Edge  *diagram.ExecutableEdge
	Epoch uint64
	Seq   uint64
	Env   *envelope.Envelope
}
