//go:build !windows && !(linux && cgo)

package cursor

func newPlatformPoller(string) (Poller, error) { return nil, ErrNoPoller }
