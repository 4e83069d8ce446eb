// Package cluster runs a complete local cluster as a set of OS processes.
//
// A Cluster resolves a config.Config into an allocator.Plan, then launches
// the coordination service, the manager and the storage servers in that
// order. Storage servers start concurrently. A failed startup stops every
// process already launched in reverse order before Start returns, so a
// partial cluster never leaks processes.
//
// # Basic Usage
//
//	cfg, err := config.NewBuilder(dir, "secret").
//	    SetNumStorageServers(3).
//	    SetCommand(config.ServerCoordination, zkServer, "start-foreground", "{{.Dir}}/zoo.cfg").
//	    SetCommand(config.ServerManager, managerBin, "--port={{.Port}}").
//	    SetCommand(config.ServerStorage, serverBin, "--port={{.Port}}").
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c, err := cluster.Launch(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
//
//	fmt.Println("coordination at", c.ConnectString())
//
// # States
//
//	Unconfigured -> Configured -> Starting -> Running -> Stopping -> Stopped
//
// Failed is reached from Starting when a process fails to launch, or from
// Running when a process exits without being asked to. Stop is valid from
// Failed and cleans up whatever is still running.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Stop called during Start cancels
// the startup and waits for its rollback before stopping.
package cluster
