/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package distrlock

import "errors"

// ErrLockAlreadyAcquired is returned when the lock is held by another token and has not expired yet.
var ErrLockAlreadyAcquired = errors.New("distributed lock already acquired")

// ErrLockAlreadyReleased is returned when the lock was released or expired and taken over by another token.
var ErrLockAlreadyReleased = errors.New("distributed lock already released")
