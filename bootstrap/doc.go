// Package bootstrap builds and runs the Argus service from a loaded
// configuration.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	app.WaitForShutdown()
package bootstrap
