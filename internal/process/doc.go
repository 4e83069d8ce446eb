// Package process supervises the external processes of a local cluster.
//
// A Supervisor spawns one OS process per Spec, captures its output to
// stdout.log and stderr.log in the process directory, and waits until the
// Spec's readiness Probe succeeds. A background monitor goroutine waits for
// every process to exit and records the terminal state exactly once.
//
// # Lifecycle
//
//	Planned -> Launching -> Running -> Stopping -> Stopped
//	                     \-> Crashed (exit without a stop request)
//
// A Stop call and an unexpected exit that race each other converge on one
// terminal state: Stopped when the stop request was recorded first, Crashed
// otherwise. Cleanup (log files, metrics, the exit event) runs once.
//
// # Basic Usage
//
//	sup := process.NewSupervisor(process.WithEventBus(bus))
//	h, err := sup.Launch(ctx, process.Spec{
//	    Name:  "coordination-0",
//	    Path:  "/opt/zookeeper/bin/zkServer.sh",
//	    Args:  []string{"start-foreground", cfgPath},
//	    Dir:   dir,
//	    Port:  port,
//	    Ready: process.LocalPortProbe(port),
//	})
//	if err != nil {
//	    return err
//	}
//	defer sup.Stop(h, true)
//
// On unix systems each process runs in its own process group, and signals
// are delivered to the whole group.
package process
