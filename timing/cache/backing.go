package cache

import (
	"fmt"

	"github.com/sarchlab/akita/v4/mem/mem"
)

// StorageBacking serves reads and writes from an Akita storage.
type StorageBacking struct {
	storage *mem.Storage
}

// NewStorageBacking creates a backing store over storage.
func NewStorageBacking(storage *mem.Storage) *StorageBacking {
	return &StorageBacking{storage: storage}
}

// Read fetches size bytes at addr.
func (b *StorageBacking) Read(addr uint64, size int) ([]byte, error) {
	data, err := b.storage.Read(addr, uint64(size))
	if err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at 0x%x: %w",
			size, addr, err)
	}
	return data, nil
}

// Write stores data at addr.
func (b *StorageBacking) Write(addr uint64, data []byte) error {
	if err := b.storage.Write(addr, data); err != nil {
		return fmt.Errorf("failed to write %d bytes at 0x%x: %w",
			len(data), addr, err)
	}
	return nil
}
