// Package chat holds the conversation data model shared by the relay,
// the session store and the websocket channel.
package chat

import (
	"time"
)

// Role labels who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

func (r Role) String() string { return string(r) }

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Turn is one labeled utterance. Turns are values and are never mutated
// after they were appended to a transcript.
type Turn struct {
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

func NewModelTurn(content string) Turn {
	return Turn{Role: RoleModel, Content: content, CreatedAt: time.Now()}
}

// CloneTurns returns a copy of ts that does not share its backing array.
func CloneTurns(ts []Turn) []Turn {
	if len(ts) == 0 {
		return nil
	}
	return append([]Turn(nil), ts...)
}
