package shutdown

import (
	"context"
	"io"
)

// ServerShutdowner is implemented by http.Server and the API server.
type ServerShutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServerComponent stops accepting connections and drains in-flight requests.
type ServerComponent struct {
	name   string
	server ServerShutdowner
}

// NewServerComponent creates a server shutdown component.
func NewServerComponent(name string, server ServerShutdowner) *ServerComponent {
	return &ServerComponent{name: name, server: server}
}

// Name returns the component name.
func (c *ServerComponent) Name() string { return c.name }

// Shutdown drains the server.
func (c *ServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer such as a store or a lock client.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string { return c.name }

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function as a component.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a new function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string { return c.name }

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// Stopper is implemented by the build worker pool. Stop cancels running
// pipelines and waits for them to hand their builds back.
type Stopper interface {
	Stop()
}

// WorkerComponent wraps a worker pool.
type WorkerComponent struct {
	name   string
	worker Stopper
}

// NewWorkerComponent creates a new worker shutdown component.
func NewWorkerComponent(name string, worker Stopper) *WorkerComponent {
	return &WorkerComponent{name: name, worker: worker}
}

// Name returns the component name.
func (c *WorkerComponent) Name() string { return c.name }

// Shutdown stops the worker.
func (c *WorkerComponent) Shutdown(ctx context.Context) error {
	c.worker.Stop()
	return nil
}
