//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"parley/domain"
	"parley/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself; supervision handles panics and restarts.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker,
// used for logging and supervision without manual naming in the interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink receives fan-out for one connected session. Consume must not
// block on a slow connection; implementations queue and report overflow.
type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// SinkResolver resolves a live session to its sink and owning identity.
// Implemented by the session registry; consumed by the room router so
// membership and connections stay managed in a single place.
type SinkResolver interface {
	SinkFor(id domain.SessionID) (EventSink, domain.IdentityID, bool)
}
