//go:build !linux

package socket

import "github.com/flowmesh/netcore/handle"

// zcCompletion mirrors notifications_linux.go's type on platforms with no
// MSG_ERRQUEUE equivalent wired up yet; those platforms fall back to
// ordinary copying writes.
type zcCompletion struct {
	From, Thru uint32
}

const zeroCopyAvailable = false

func receiveNotifications(handle.Handle) ([]zcCompletion, error) { return nil, nil }

func enableZeroCopy(handle.Handle) error { return nil }

func sendZeroCopySocket(h handle.Handle, buf []byte) (int, error) { return writeSocket(h, buf) }
