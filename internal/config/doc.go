// Package config describes the desired topology and runtime parameters of a
// local cluster.
//
// A Config is built once through a Builder and is immutable afterwards:
// getters hand out copies of slices and maps. Every setter validates its
// argument; failures are collected and returned together by Build, each one
// wrapping ErrInvalidConfiguration.
//
// # Basic Usage
//
//	cfg, err := config.NewBuilder(dir, "secret").
//	    SetNumStorageServers(3).
//	    SetMemory(config.ServerStorage, 256, config.Megabyte).
//	    SetCommand(config.ServerCoordination, "zkServer.sh", "start-foreground", "{{.Dir}}/zoo.cfg").
//	    SetCommand(config.ServerManager, "/opt/store/bin/manager", "--port", "{{.Port}}").
//	    SetCommand(config.ServerStorage, "/opt/store/bin/server", "--port", "{{.Port}}").
//	    Build()
//
// # Files
//
// LoadFile reads YAML or JSON, FileConfig.Validate checks it with struct
// tags, and FileConfig.ToBuilder converts it into a Builder. Load does all
// three. The builder performs no filesystem or network I/O.
package config
