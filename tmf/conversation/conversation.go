// Package conversation implements the bounded, ordered turn log sent to the
// inference backend on every request.
//
// A Conversation always starts with exactly one system turn, followed by
// alternating user and assistant turns. The tail may hold one unanswered user
// turn (after a guard rejection or a backend failure); appending the next
// user turn replaces it, so the log never carries two user turns in a row.
package conversation

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTurnOrder signals a violated ordering invariant. It indicates a
// programming error in the caller, not a user mistake.
var ErrInvalidTurnOrder = errors.New("invalid turn order")

// MinMaxTurns is the smallest eviction budget honoured by EvictIfOverBudget:
// one complete user/assistant pair.
const MinMaxTurns = 2

// Conversation is the turn log owned by a single chat session.
type Conversation struct {
	mu    sync.RWMutex
	turns []Turn
}

// New starts a conversation with the given system turn.
func New(system Turn) (*Conversation, error) {
	if system.Role != RoleSystem {
		return nil, fmt.Errorf("%w: conversation must start with a system turn, got %q", ErrInvalidTurnOrder, system.Role)
	}
	turns := make([]Turn, 1, 16)
	turns[0] = system
	return &Conversation{turns: turns}, nil
}

// Append adds a turn to the end of the log.
func (c *Conversation) Append(turn Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurnOrder, turn.Role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.turns[len(c.turns)-1]
	switch turn.Role {
	case RoleSystem:
		return fmt.Errorf("%w: system turn may only appear first", ErrInvalidTurnOrder)
	case RoleUser:
		if last.Role == RoleUser {
			// unanswered user turn is superseded
			c.turns[len(c.turns)-1] = turn
			return nil
		}
	case RoleAssistant:
		if last.Role != RoleUser {
			return fmt.Errorf("%w: assistant turn must follow a user turn, last was %q", ErrInvalidTurnOrder, last.Role)
		}
	}

	c.turns = append(c.turns, turn)
	return nil
}

// Snapshot returns an independent copy of the log. Mutations of the
// conversation after the call are not visible in the returned slice.
func (c *Conversation) Snapshot() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// EvictIfOverBudget drops the oldest user/assistant pairs until at most
// maxTurns turns follow the system turn. It returns the number of turns
// removed. Budgets below MinMaxTurns are raised to MinMaxTurns.
func (c *Conversation) EvictIfOverBudget(maxTurns int) int {
	if maxTurns < MinMaxTurns {
		maxTurns = MinMaxTurns
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for len(c.turns)-1 > maxTurns && len(c.turns) >= 3 {
		// turns[1] is always a user turn and turns[2] its answer
		if c.turns[1].Role != RoleUser || c.turns[2].Role != RoleAssistant {
			break
		}
		c.turns = append(c.turns[:1], c.turns[3:]...)
		evicted += 2
	}
	return evicted
}
