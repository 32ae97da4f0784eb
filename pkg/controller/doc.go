/*
Package controller wires the surface-export subsystems — export
registry, transaction logger, subscription manager, tree builder, and
transfer orchestrator — and exposes the inbound request/event surface
consumed by the message fabric.

Construction order matters: the registry loads persisted state first
(the transaction logger reads its file on demand), the subscription
manager gets its tree and
active-transfer providers from the builder and orchestrator, and the
journal event sink is installed last so every logged event reaches log
subscribers. Shutdown cancels watchdog timers and pending broadcasts;
in-flight transfers stay in their last persisted state.
*/
package controller
