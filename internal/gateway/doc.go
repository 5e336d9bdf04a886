// Package gateway owns the HTTP servers of the process.
//
// The public listener routes every method and path to the broadcast
// handler through a gin engine carrying request IDs, panic recovery,
// optional access logging and tracing. The admin listener serves the
// health, readiness and liveness endpoints together with /metrics.
//
// # Usage
//
//	gw, err := gateway.New(cfg, proxyHandler,
//	    gateway.WithLogger(logger),
//	    gateway.WithTracer(tracer),
//	    gateway.WithHealth(checker),
//	    gateway.WithMetricsHandler(metrics.Handler()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
package gateway
