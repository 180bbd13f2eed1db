// Package pkg holds what every layer of softmsc shares: component-tagged
// logging on [log/slog], the sentinel errors of the stack and
// [TransferStatus], the outcome a controller reports for a transfer.
//
// Logging is off below Warn until a command raises it:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.SetLogFormat(os.Stderr, pkg.LogFormatJSON)
//	pkg.LogDebug(pkg.ComponentBOT, "CBW received", "tag", tag)
//
// Errors wrap one of the sentinels and are matched with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrPhaseError) {
//		// reset recovery
//	}
package pkg
