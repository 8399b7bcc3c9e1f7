package demo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/AlgoSkyNet/gpi-cp/checkpoint"
	"github.com/AlgoSkyNet/gpi-cp/pgas"
)

// checkpointQueue is the queue reserved for checkpoint traffic.
const checkpointQueue pgas.QueueID = 4

func (m *Config) timeout() pgas.Timeout {
	if m.TimeoutMillis == 0 {
		return pgas.Block()
	}
	return pgas.Millis(m.TimeoutMillis)
}

// buildGroup creates and commits a group containing every rank except the
// excluded one. Every member must call it.
func buildGroup(ep pgas.Endpoint, exclude pgas.Rank, timeout pgas.Timeout) (pgas.GroupID, error) {
	g, err := ep.GroupCreate()
	if err != nil {
		return 0, fmt.Errorf("failed to create group: %w", err)
	}

	for rank := pgas.Rank(0); rank < ep.Ranks(); rank++ {
		if rank == exclude {
			continue
		}
		if err := ep.GroupAdd(g, rank); err != nil {
			return 0, fmt.Errorf("failed to add rank %d: %w", rank, err)
		}
	}

	if err := ep.GroupCommit(g, timeout); err != nil {
		return 0, fmt.Errorf("failed to commit group: %w", err)
	}
	return g, nil
}

// commitWithRetry drives Commit to completion, backing off between
// attempts when the bounded timeout expires under scheduling skew. A
// timed-out Commit leaves the checkpoint in flight, so retrying from the
// top is safe.
func commitWithRetry(ep pgas.Endpoint, desc *checkpoint.Descriptor, timeout pgas.Timeout) error {
	commitBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	commitBackoff.Reset()

	for {
		err := desc.Commit(ep, timeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgas.ErrTimeout) {
			return err
		}
		time.Sleep(commitBackoff.NextBackOff())
	}
}

// fillWords sets every 4-byte word of the buffer to the given value.
func fillWords(buf []byte, value uint32) {
	for off := 0; off+4 <= len(buf); off += 4 {
		binary.LittleEndian.PutUint32(buf[off:], value)
	}
}

// wordAt returns the i-th 4-byte word of the buffer.
func wordAt(buf []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(buf[4*i:])
}

// putWordAt sets the i-th 4-byte word of the buffer.
func putWordAt(buf []byte, i int, value uint32) {
	binary.LittleEndian.PutUint32(buf[4*i:], value)
}
