package server

import "context"

type transportKey struct{}

// WithTransport records the name of the transport handling the current
// request; connect advice is tracked per transport.
func WithTransport(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, transportKey{}, name)
}

// TransportFromContext returns the name set by WithTransport.
func TransportFromContext(ctx context.Context) string {
	name, _ := ctx.Value(transportKey{}).(string)
	return name
}
