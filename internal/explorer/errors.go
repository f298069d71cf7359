package explorer

import (
	"errors"

	"github.com/fruitsalade/explorer/pkg/protocol"
)

var (
	// ErrUnsupportedView is returned by CreateView when the repository has no
	// explorer for the requested view id.
	ErrUnsupportedView = errors.New("unsupported view")

	// ErrNodeNotFound is returned when the repository no longer knows a node id.
	ErrNodeNotFound = protocol.ErrNodeNotFound

	// ErrClosed is returned by a registry or engine after Close.
	ErrClosed = errors.New("explorer closed")
)
