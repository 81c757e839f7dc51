package worker

import (
	"errors"
	"fmt"
)

// State — этап жизненного цикла воркера:
//
//	Created → Subscribed → Running → (Draining | Failed) → Terminated
type State int32

const (
	StateCreated State = iota
	StateSubscribed
	StateRunning
	StateDraining
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrSetup помечает фатальные ошибки старта: создание consumer'а и подписку.
// Только они выходят из воркера в пул.
var ErrSetup = errors.New("worker setup failed")

// Membership — неизменяемое описание участника, фиксируется при запуске.
type Membership struct {
	GroupID     string
	MemberIndex int
	Topics      []string
}
