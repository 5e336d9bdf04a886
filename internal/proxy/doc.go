// Package proxy provides the catch-all HTTP handler of the broadcast proxy.
//
// Every inbound request, whatever its method or path, is turned into an
// envelope, broadcast to all targets and answered with the response chosen
// by the selector.
//
// # Response
//
// The selected status, headers and body are written to the client together
// with two informational headers:
//
//   - X-Fanout-Strategy: the strategy tag that produced the response
//   - X-Fanout-Target: the aggregate key of the selected target, if any
//
// A selected target that produced no HTTP response is written as 502 with
// its error. Failures before any target is dispatched, such as a malformed
// JSON body, are written as 500 with {"error", "message"}.
//
// # Usage
//
//	handler := proxy.NewHandler(distributor,
//	    proxy.WithHandlerLogger(logger),
//	    proxy.WithMaxBodyBytes(10<<20),
//	)
//	engine.NoRoute(gin.WrapH(handler))
package proxy
