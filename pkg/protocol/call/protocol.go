// Package call implements the synchronous call/callback protocol spoken by a
// driver and an algorithm over their private pipe pair.
//
// Downward batches (driver to algorithm) start with "request" and a command:
//
//	request call <name> <argc> <args...> <has_return> <callbacks> <arities...>
//	request callback_return <has_value> [<value>]
//	request wait <kill>
//	request checkpoint
//	request exit
//
// Upward batches (algorithm to driver) start with a status token. A nonzero
// status is followed by the resource usage and an error message. During a
// call, a zero status is followed by 1 <index> <args...> for a pending
// callback or by 0 [<return value>] when the call completes.
package call

const (
	tokRequest = "request"

	cmdCall           = "call"
	cmdCallbackReturn = "callback_return"
	cmdWait           = "wait"
	cmdCheckpoint     = "checkpoint"
	cmdExit           = "exit"

	sentinelDone     = 0
	sentinelCallback = 1

	statusOK     = 0
	statusFailed = 1
)
