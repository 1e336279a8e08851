package server

import (
	"log/slog"

	"github.com/gogpu/gpuwire/objects"
	"github.com/gogpu/gpuwire/protocol"
)

// Option configures a Server during creation.
//
// Example:
//
//	srv, err := server.New(dev, out,
//	    server.WithMaxTrailingBytes(1<<20),
//	    server.WithMaxObjectsPerType(4096),
//	)
type Option func(*options)

// options holds the Server configuration.
type options struct {
	logger            *slog.Logger
	maxTrailing       uint64
	maxObjectsPerType int
	maxSubmitCount    int
}

func defaultOptions() options {
	return options{
		maxTrailing:       protocol.DefaultMaxTrailing,
		maxObjectsPerType: objects.DefaultLimit,
		maxSubmitCount:    protocol.DefaultMaxSubmitCount,
	}
}

// WithLogger routes the server's diagnostics to l instead of the
// module-wide logger set with gpuwire.SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxTrailingBytes bounds the trailing region of any single command.
// Opcodes with a tighter built-in limit, such as shader source, keep it.
// Values of 0 keep the default of 64 MiB.
func WithMaxTrailingBytes(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTrailing = n
		}
	}
}

// WithMaxObjectsPerType bounds the number of distinct ids each object table
// tracks. Exceeding it is a protocol violation.
func WithMaxObjectsPerType(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxObjectsPerType = n
		}
	}
}

// WithMaxSubmitCount bounds the command buffers in one QueueSubmit. It can
// only tighten the wire limit of 1024.
func WithMaxSubmitCount(n int) Option {
	return func(o *options) {
		if n > 0 && n <= protocol.DefaultMaxSubmitCount {
			o.maxSubmitCount = n
		}
	}
}
