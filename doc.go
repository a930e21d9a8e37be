/*
Package busd provides the control core of a local inter-process message-bus
broker: a privileged daemon handed one pre-established control connection,
multiplexing all I/O readiness and termination signals through a
single-threaded dispatch loop.

The loop arbitrates two FIFO queues with strict priority: a hangup queue for
connections flagged for disconnect handling, drained fully before the normal
ready queue of dispatch entries. Disconnects are never performed from inside
a readiness callback; a connection schedules itself on the hangup queue and
the Manager applies the policy centrally. Shutdown guarantees that the
controller connection's buffered output is flushed before the process exits.

Modules

  - app: daemon lifecycle, outcome-to-exit-code mapping
  - config: configuration loading (viper: defaults, BUSD_ env, file)
  - cmd/busd: cobra entrypoint
  - core/broker: Manager construction and teardown, signal integration,
    hangup policy, the dispatch loop
  - core/dispatch: readiness context (epoll), dispatch entries, scheduling
    queues, loop outcomes
  - core/connection: per-peer stream connection with quota-charged output
    buffering
  - core/user: reference-counted per-user resource budgets
  - core/pools: buffer pooling for connection I/O

The broker does not accept or listen on sockets itself; the caller supplies
one already-connected, credentialed stream descriptor (fd 3 by convention),
and SIGTERM/SIGINT are the only special-cased signals, both treated as clean
exit requests.
*/
package busd
