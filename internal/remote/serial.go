package remote

import (
	"context"
	"fmt"
)

// Locker hands out exclusive access per key.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type serialExecutor struct {
	next   Executor
	locker Locker
}

// Serialize runs at most one command per host at a time through next. The
// helper scripts on the hosts edit shared firewall and proxy state and do
// not lock on their own.
func Serialize(next Executor, locker Locker) Executor {
	return &serialExecutor{next: next, locker: locker}
}

func (s *serialExecutor) Execute(ctx context.Context, host, command string) Result {
	release, err := s.locker.Acquire(ctx, host)
	if err != nil {
		return Result{Error: fmt.Sprintf("[ERROR] command aborted while waiting for %s: %v", host, err)}
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return Result{Error: fmt.Sprintf("[ERROR] command aborted: %v", err)}
	}
	return s.next.Execute(ctx, host, command)
}
