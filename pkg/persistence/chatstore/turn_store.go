package chatstore

import (
	"context"

	"github.com/go-go-golems/lunabot/pkg/chat"
)

// TurnRecord is one stored turn.
type TurnRecord struct {
	ID          int64  `json:"id" yaml:"id"`
	SessionID   string `json:"session_id" yaml:"session_id"`
	Seq         int    `json:"seq" yaml:"seq"`
	Role        string `json:"role" yaml:"role"`
	Content     string `json:"content" yaml:"content"`
	CreatedAtMs int64  `json:"created_at_ms" yaml:"created_at_ms"`
}

// TurnQuery describes filters for loading stored turns.
type TurnQuery struct {
	SessionID string
	SinceMs   int64
	Limit     int
}

// SessionSummary aggregates stored turns per session.
type SessionSummary struct {
	SessionID    string `json:"session_id" yaml:"session_id"`
	Turns        int    `json:"turns" yaml:"turns"`
	LastTurnAtMs int64  `json:"last_turn_at_ms" yaml:"last_turn_at_ms"`
}

// TurnStore is an append-only audit log of turns. The relay only writes
// to it; transcripts are never rebuilt from it.
type TurnStore interface {
	SaveTurn(ctx context.Context, sessionID string, seq int, t chat.Turn) error
	List(ctx context.Context, q TurnQuery) ([]TurnRecord, error)
	Sessions(ctx context.Context, limit int) ([]SessionSummary, error)
	Close() error
}
