package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
)

// Events are optional lifecycle callbacks. Each runs to completion before
// the caller proceeds, and each may fail. A failing callback never hides the
// error being reported: the caller receives both, joined.
type Events struct {
	// OnError receives every error before it is returned.
	OnError func(err error) error

	// OnTimeout receives operation and transaction timeouts instead of OnError.
	OnTimeout func(info TimeoutInfo) error

	// OnBlocked runs when open connections block an upgrade or a delete. A
	// non-nil result replaces the default blocked error.
	OnBlocked func(oldVersion, newVersion int) error

	OnUpgradeStart func(oldVersion, newVersion int) error
	OnUpgradeEnd   func(oldVersion, newVersion int) error

	// OnVersionChange runs before the connection closes itself because
	// another open wants a newer version or a delete.
	OnVersionChange func(oldVersion, newVersion int) error
}

// TimeoutInfo is passed to Events.OnTimeout.
type TimeoutInfo struct {
	Conn    *engine.Connection
	Op      string
	Stores  []string
	Timeout time.Duration
}

// reportError hands err to OnError and returns what the caller should see.
func (ev Events) reportError(log logger.Logger, err error) error {
	if ev.OnError == nil {
		return err
	}
	if cbErr := ev.OnError(err); cbErr != nil {
		log.Warn("db: error callback failed: %v", cbErr)
		return errors.Join(err, fmt.Errorf("error callback: %w", cbErr))
	}
	return err
}

// reportTimeout hands a timeout to OnTimeout and returns what the caller
// should see.
func (ev Events) reportTimeout(log logger.Logger, err error, info TimeoutInfo) error {
	if ev.OnTimeout == nil {
		return err
	}
	if cbErr := ev.OnTimeout(info); cbErr != nil {
		log.Warn("db: timeout callback failed: %v", cbErr)
		return errors.Join(err, fmt.Errorf("timeout callback: %w", cbErr))
	}
	return err
}
