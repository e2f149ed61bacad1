// Package vhost maps request host names to backends.
//
// The mapping lives in a SQLite table so that it can be edited while the
// proxy runs (for example with "conduit vhost set"). The Store keeps an
// in-memory snapshot that serves every lookup and reloads it on a cron
// schedule:
//
//	store, err := vhost.Open(ctx, vhost.Options{
//	    Path:            cfg.VHost.Path,
//	    RefreshSchedule: cfg.VHost.RefreshSchedule,
//	    Logger:          logger.Slog(),
//	    Metrics:         collector,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	store.Start(ctx)
//
//	router, err := proxy.NewRouter(routes, store)
//
// Host names are matched case-insensitively without the port. An entry
// named "*.example.com" serves every subdomain of example.com that has no
// entry of its own.
package vhost
