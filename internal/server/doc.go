// 版权所有 (c) bin2nlp Authors。

/*
Package server owns the HTTP server lifecycle: non-blocking startup,
graceful shutdown with request draining, and SIGINT/SIGTERM handling.

Manager wraps net/http.Server with a bound listener, an asynchronous
error channel, and a shutdown drain bounded by Config.ShutdownTimeout.
The entrypoint builds its handler chain, calls Start, and then parks in
WaitForShutdown for the rest of the process lifetime.
*/
package server
