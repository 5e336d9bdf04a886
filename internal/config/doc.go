// Package config provides configuration types and loading for the
// fanout proxy.
//
// This package defines the configuration model, YAML loading with
// environment variable substitution, validation, and a debounced file
// watcher used to refresh scripts and targets when the file catalog
// changes.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("fanout.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// Values may reference the environment with ${VAR} or ${VAR:-default};
// a literal dollar sign is written as $$.
//
// # File Watching
//
//	watcher, err := config.NewWatcher(catalogPath, func(path string) {
//	    // refresh scripts and targets
//	}, config.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = watcher.Start(ctx)
package config
