package devices

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out device ids. Ids must be unique for the registry lifetime.
type IDGenerator interface {
	NextID() string
}

// SequentialIDs yields "1", "2", ... and is the registry default.
type SequentialIDs struct {
	n atomic.Uint64
}

func (s *SequentialIDs) NextID() string {
	return strconv.FormatUint(s.n.Add(1), 10)
}

// UUIDGenerator yields random RFC 4122 ids.
type UUIDGenerator struct{}

func (UUIDGenerator) NextID() string {
	return uuid.NewString()
}
