/*
Package subscription implements the revisioned push channel that streams
tree, transfer, and log updates to connected control clients.

Each connection holds at most one filter. Every stream carries a
strictly monotonic revision counter so subscribers can order updates and
detect gaps. Tree broadcasts are rate-limited through a coalescing
limiter; a send failure evicts the offending connection's subscription
atomically, and delivery iterates over a snapshot so eviction during a
broadcast is safe. Newly subscribed streams receive an initial snapshot:
the current tree, or a replay of all in-flight transfers.
*/
package subscription
