package coupling

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/notargets/DEMCoupling/comm"
)

// NewRunID is collective. The master mints a random id and broadcasts it,
// so every rank tags its log output with the same run.
func NewRunID(c comm.Comm) (uuid.UUID, error) {
	var words []int64
	if c.IsMaster() {
		id := uuid.New()
		words = []int64{
			int64(binary.LittleEndian.Uint64(id[:8])),
			int64(binary.LittleEndian.Uint64(id[8:])),
		}
	}
	words, err := comm.Bcast(c, words, comm.MasterRank)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id: %w", err)
	}
	if len(words) != 2 {
		return uuid.Nil, fmt.Errorf("run id: %w: got %d words", comm.ErrSizeMismatch, len(words))
	}
	var id uuid.UUID
	binary.LittleEndian.PutUint64(id[:8], uint64(words[0]))
	binary.LittleEndian.PutUint64(id[8:], uint64(words[1]))
	return id, nil
}
