package assigner

import "time"

// delayFor returns the wait before the next attempt. attempts is the number
// of failed attempts already performed; the first retry waits ladder[0] and
// the ladder's last rung repeats once exhausted.
func delayFor(ladder []int, attempts int) time.Duration {
    if len(ladder) == 0 {
        return time.Second
    }
    if attempts >= len(ladder) {
        attempts = len(ladder) - 1
    }
    if attempts < 0 {
        attempts = 0
    }
    return time.Duration(ladder[attempts]) * time.Second
}
