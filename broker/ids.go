package broker

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	seq      atomic.Uint64
	idPrefix = func() string {
		h, _ := os.Hostname()
		if h == "" {
			h = "host"
		}
		return h + "-" + strconv.Itoa(os.Getpid()) + "-"
	}()
)

// NewCorrelationID returns a fresh 128-bit random correlation token.
func NewCorrelationID() string {
	return uuid.NewString()
}

// defaultConsumerID is unique per process and call: host-pid-seq.
func defaultConsumerID() string {
	return idPrefix + strconv.FormatUint(seq.Add(1), 36)
}
