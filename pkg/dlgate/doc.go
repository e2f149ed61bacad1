// Package dlgate implements trigger-before-download protection.
//
// A client must request a page matching the trigger pattern before it may
// fetch a path matching the download pattern. The trigger stores a ticket
// keyed by the client address in SQLite; a download within the ticket
// lifetime refreshes it, a later or unticketed download is redirected to
// the deny URL. Expired tickets are also deleted on a cron schedule.
//
//	gate, err := dlgate.New(cfg.DownloadGate, logger.Slog(), collector)
//	if err != nil {
//	    return err
//	}
//	defer gate.Close()
//	gate.Start(ctx)
//
//	handler = gate.Middleware(handler)
package dlgate
