// Package logger provides process-tagged, leveled logging backed by zerolog.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each entry is a zerolog record with a timestamp, level, optional
// process ID and message.
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "Cluster starting")
//	logger.Info("storage-server-0", "Process running (pid %d)", pid)
//	logger.Error("manager-0", "Launch failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.NewConsole(os.Stderr, logger.LevelDebug)
//	l.Debug("coordination-0", "Probing port %d", port)
//
// # Log Levels
//
// Messages below the configured level are filtered:
//   - LevelDebug: all messages
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
//
// ParseLevel accepts the zerolog level names and falls back to LevelInfo.
package logger
