package contextmon

import "fmt"

// ErrSessionAlreadyMonitored means startMonitoring was called twice for
// the same session id without an intervening stopMonitoring.
var ErrSessionAlreadyMonitored = fmt.Errorf("contextmon: session already monitored")

// ErrTranscriptNotFound means no transcript path could be resolved for
// the session.
var ErrTranscriptNotFound = fmt.Errorf("contextmon: transcript not found")
