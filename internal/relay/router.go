package relay

import (
	"github.com/pgrelay/pgrelay/internal/cdc"
	"github.com/pgrelay/pgrelay/internal/message"
)

type RouterConfig struct {
	NewEntityTable    string
	IDField           string
	TimestampField    string
	NewEntityQueue    string
	LatestUpdateQueue string
}

// Outbound is one derived message addressed to a queue. Message is either
// message.NewPatient or message.LatestUpdate.
type Outbound struct {
	Queue   string
	Message any
}

// Router derives broker messages from change events. It holds no state.
type Router struct {
	config RouterConfig
}

func NewRouter(config RouterConfig) *Router {
	return &Router{config: config}
}

// Route returns the messages for one event: a NewPatient message for an
// INSERT on the new-entity table, followed by a LatestUpdate message for
// every event. Field values are copied verbatim from the record.
func (r *Router) Route(event *cdc.ChangeEvent) []Outbound {
	out := make([]Outbound, 0, 2)

	if event.Operation == cdc.OperationInsert && event.Table == r.config.NewEntityTable {
		out = append(out, Outbound{
			Queue: r.config.NewEntityQueue,
			Message: message.NewPatient{
				SourceID:  event.NewRecord.Raw(r.config.IDField),
				Timestamp: event.NewRecord.Raw(r.config.TimestampField),
			},
		})
	}

	out = append(out, Outbound{
		Queue: r.config.LatestUpdateQueue,
		Message: message.LatestUpdate{
			Table:     event.Table,
			Timestamp: event.CurrentRecord().Raw(r.config.TimestampField),
		},
	})

	return out
}

// RouteBatch routes events in order and concatenates the results.
func (r *Router) RouteBatch(events []*cdc.ChangeEvent) []Outbound {
	out := make([]Outbound, 0, 2*len(events))
	for _, event := range events {
		out = append(out, r.Route(event)...)
	}
	return out
}
