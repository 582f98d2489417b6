package account

import (
	"xdao.co/sos/circle"
	"xdao.co/sos/concordance"
)

// Observer is notified after the account lock is released, in the order the
// changes happened. Implementations may call back into the account.
type Observer interface {
	// OnCircleChanged reports a new trusted circle. old is nil on the first.
	OnCircleChanged(old, new *circle.Circle)
	// OnRejected reports an inbound proposal that was not accepted.
	OnRejected(proposed *circle.Circle, status concordance.Status)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	CircleChanged func(old, new *circle.Circle)
	Rejected      func(proposed *circle.Circle, status concordance.Status)
}

func (f ObserverFuncs) OnCircleChanged(old, new *circle.Circle) {
	if f.CircleChanged != nil {
		f.CircleChanged(old, new)
	}
}

func (f ObserverFuncs) OnRejected(proposed *circle.Circle, status concordance.Status) {
	if f.Rejected != nil {
		f.Rejected(proposed, status)
	}
}
