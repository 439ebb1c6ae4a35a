// Package connector defines the fixed capability set source and
// destination drivers implement (spec §4.5, §9 "tagged variant over a
// small, fixed Connector capability set"), instead of an open class
// hierarchy: {Start, Stop, Receive?, Dispatch?}.
package connector

import "context"

// Response is what a destination dispatch call reports back (spec §4.3
// "Response handling").
type Response struct {
	Status        string
	Message       string
	StatusMessage string
	Err           error
}

// ReceiveFunc is invoked by a source connector when it has a new raw
// message; sourceMap carries any connector-supplied metadata (e.g. file
// name, remote address) into the pipeline scope.
type ReceiveFunc func(ctx context.Context, raw []byte, sourceMap map[string]interface{}) error

// Source is a poll- or event-driven source connector.
type Source interface {
	Name() string
	Start(ctx context.Context, receive ReceiveFunc) error
	Stop(ctx context.Context) error
	// PollDriven reports whether this source needs the cluster polling
	// lease (spec §4.5): poll-driven sources (file, DB reader) do;
	// event-driven sources (HTTP, TCP servers) do not.
	PollDriven() bool
}

// Destination is a dispatcher for one connector message.
type Destination interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Dispatch(ctx context.Context, payload []byte) Response
}
