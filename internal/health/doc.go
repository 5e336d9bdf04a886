// Package health provides the health, readiness and liveness endpoints
// served on the admin listener.
//
// The health answer carries process uptime and the current number of
// targets and compiled scripts. Readiness aggregates named checks, such as
// "scripts loaded" and "targets loaded", and turns unhealthy while the
// process is draining.
//
//	checker := health.NewChecker(version)
//	checker.RegisterCounter("targets", catalog.Len)
//	checker.RegisterCheck("targets", func() health.Check {
//	    if catalog.RefreshedAt().IsZero() {
//	        return health.Check{Status: health.StatusUnhealthy, Message: "not loaded"}
//	    }
//	    return health.Check{Status: health.StatusHealthy}
//	})
//	checker.Register(engine)
package health
