// Package coord talks to the cluster's ZooKeeper coordination service.
//
// It supplies readiness probes for the process supervisor: RuokProbe asks
// every server the "ruok" four letter word, RegistrationProbe waits until a
// server has created its registration znode. Ping checks that an externally
// supplied ensemble accepts sessions before a cluster depends on it.
package coord
