// Package bootstrap assembles the gateway: logger and config first, then the
// optional SQLite and Redis backends, the audit sink, threat intelligence,
// the four security layers and finally the HTTP API.
//
// main drives the lifecycle:
//
//	app, err := bootstrap.NewApp(ctx)
//	...
//	app.Start(ctx)
//	app.WaitForShutdown()
//	app.Shutdown()
//
// Shutdown runs in phases so the audit buffer drains before storage closes.
package bootstrap
