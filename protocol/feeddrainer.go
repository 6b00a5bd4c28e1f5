package protocol

import (
	"context"
	"io"
)

// Feeder and Drainer are the two fundamental record-flow contracts: a
// Feeder is read from, a Drainer is written to. Streams, peers and
// queues all compose out of them.

type Feeder interface {
	// Feed reads and returns records. The EoF convention follows
	// io.Reader: either `recs, io.EOF` or `recs, nil` followed by
	// `nil, io.EOF`.
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced exposes a trace id for connection-level log correlation.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}
