package notify

import "github.com/splax/devspace/internal/domain"

// Publisher receives project status events.
type Publisher interface {
	Publish(event domain.ProjectEvent)
}

// Fanout forwards every event to each non-nil publisher.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(event domain.ProjectEvent) {
	for _, p := range f {
		if p != nil {
			p.Publish(event)
		}
	}
}
