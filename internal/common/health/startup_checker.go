package health

import (
	"errors"
	"sync/atomic"
)

// StartupCompleteChecker reports unhealthy until MarkComplete is called,
// once all services have been started.
type StartupCompleteChecker struct {
	complete atomic.Value
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	checker := &StartupCompleteChecker{}
	checker.complete.Store(false)
	return checker
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() == true {
		return nil
	}
	return errors.New("startup not complete")
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}
