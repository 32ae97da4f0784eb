/*
Package log provides structured logging for the surface-export controller
using zerolog.

A process-global logger is initialized once from configuration (level,
JSON vs. console output). Components derive child loggers with
WithComponent and the domain field helpers (WithTransferID,
WithInstanceID, WithExportID) so every line carries its context.
*/
package log
