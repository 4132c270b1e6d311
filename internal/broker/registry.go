package broker

import (
	"log/slog"

	"github.com/zsprackett/reload-relay/internal/events"
)

// Port is one attached tab channel. Ports are compared by identity, so
// implementations should be pointer types. Send must not block; an error
// means the channel is dead.
type Port interface {
	Send(events.Event) error
}

// Registry is the set of attached ports. It reports empty/non-empty
// transitions to its owner instead of acting on them.
type Registry struct {
	ports  map[Port]string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		ports:  make(map[Port]string),
		logger: logger,
	}
}

func (r *Registry) Len() int { return len(r.ports) }

func (r *Registry) Contains(p Port) bool {
	_, ok := r.ports[p]
	return ok
}

// Register adds p under id and reports whether the registry went from
// empty to non-empty. Registering an attached port changes nothing.
func (r *Registry) Register(p Port, id string) bool {
	if _, ok := r.ports[p]; ok {
		return false
	}
	r.ports[p] = id
	return len(r.ports) == 1
}

// Unregister removes p and reports whether that emptied the registry.
func (r *Registry) Unregister(p Port) (id string, emptied bool) {
	id, ok := r.ports[p]
	if !ok {
		return "", false
	}
	delete(r.ports, p)
	return id, len(r.ports) == 0
}

// Broadcast sends e to every port. Ports whose Send fails are removed and
// their ids returned; emptied reports whether the pruning left the
// registry empty.
func (r *Registry) Broadcast(e events.Event) (pruned []string, emptied bool) {
	if len(r.ports) == 0 {
		return nil, false
	}
	for p, id := range r.ports {
		if err := p.Send(e); err != nil {
			r.logger.Debug("broker: send failed, pruning port", "port", id, "err", err)
			delete(r.ports, p)
			pruned = append(pruned, id)
		}
	}
	return pruned, len(pruned) > 0 && len(r.ports) == 0
}
