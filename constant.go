package sparkwallet

import (
	"fmt"
	"time"
)

const (
	// InitialTimeLock is the relative timelock a freshly created leaf's refund
	// transaction starts with.
	InitialTimeLock = 2000

	// TimeLockInterval is how much the refund timelock is decremented on each
	// transfer or refresh of a leaf.
	TimeLockInterval = 100

	// DirectTimelockOffset is added to direct (non-CPFP) refund transactions to
	// add a buffer before broadcasting.
	DirectTimelockOffset = 50

	// DefaultTransferExpiry is how long a started transfer stays claimable
	// before the sender may cancel it.
	DefaultTransferExpiry = 10 * time.Minute
)

// Our sequences have the 30th bit set. This bit is meaningless and was likely
// set erroneously. We continue to use it to maintain backwards compatibility.

var ZeroSequence = uint32(1 << 30)

func InitialSequence() uint32 {
	return uint32((1 << 30) | InitialTimeLock)
}

func NextSequence(currSequence uint32) (uint32, error) {
	if currSequence&0xFFFF <= TimeLockInterval {
		return 0, fmt.Errorf("timelock interval is less than or equal to 0")
	}
	return (1 << 30) | (currSequence&0xFFFF - TimeLockInterval), nil
}
