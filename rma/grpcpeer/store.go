package grpcpeer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/nod/rma"
)

// localStore holds this process's own rank's memory for every window it
// has allocated. Each window gets its own data mutex for Get/Put/atomic
// ops plus a separate fullMu that LockAll/UnlockAll bracket, mirroring
// rma/inproc's per-window rankBuf/fullMu split, except here there is
// only ever one rank's worth of buffers, since a grpcpeer process IS one
// rank.
type localStore struct {
	mu     sync.Mutex
	byKind map[rma.WindowKind]*storedWindow
}

type storedWindow struct {
	mu     sync.Mutex
	fullMu sync.Mutex
	data   []byte
}

func newLocalStore() *localStore {
	return &localStore{byKind: make(map[rma.WindowKind]*storedWindow)}
}

func (s *localStore) allocate(kind rma.WindowKind, bytesPerPeer uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.byKind[kind]; ok {
		if uint64(len(w.data)) != bytesPerPeer {
			return fmt.Errorf("grpcpeer: window %d already allocated with %d bytes, requested %d", kind, len(w.data), bytesPerPeer)
		}
		return nil
	}
	s.byKind[kind] = &storedWindow{data: make([]byte, bytesPerPeer)}
	return nil
}

func (s *localStore) window(kind rma.WindowKind) (*storedWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("grpcpeer: window %d not allocated on this peer", kind)
	}
	return w, nil
}

func (s *localStore) get(kind rma.WindowKind, offset uint64, dst []byte) error {
	w, err := s.window(kind)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset+uint64(len(dst)) > uint64(len(w.data)) {
		return fmt.Errorf("grpcpeer: Get out of range: offset=%d len=%d cap=%d", offset, len(dst), len(w.data))
	}
	copy(dst, w.data[offset:offset+uint64(len(dst))])
	return nil
}

func (s *localStore) put(kind rma.WindowKind, offset uint64, src []byte) error {
	w, err := s.window(kind)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset+uint64(len(src)) > uint64(len(w.data)) {
		return fmt.Errorf("grpcpeer: Put out of range: offset=%d len=%d cap=%d", offset, len(src), len(w.data))
	}
	copy(w.data[offset:offset+uint64(len(src))], src)
	return nil
}

func (s *localStore) fetchAndAddU32(kind rma.WindowKind, offset uint64, delta uint32) (uint32, error) {
	w, err := s.window(kind)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset+4 > uint64(len(w.data)) {
		return 0, fmt.Errorf("grpcpeer: FetchAndAddU32 out of range: offset=%d cap=%d", offset, len(w.data))
	}
	old := binary.LittleEndian.Uint32(w.data[offset:])
	binary.LittleEndian.PutUint32(w.data[offset:], old+delta)
	return old, nil
}

func (s *localStore) fetchAndAddU64(kind rma.WindowKind, offset uint64, delta uint64) (uint64, error) {
	w, err := s.window(kind)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset+8 > uint64(len(w.data)) {
		return 0, fmt.Errorf("grpcpeer: FetchAndAddU64 out of range: offset=%d cap=%d", offset, len(w.data))
	}
	old := binary.LittleEndian.Uint64(w.data[offset:])
	binary.LittleEndian.PutUint64(w.data[offset:], old+delta)
	return old, nil
}

func (s *localStore) compareAndSwapU64(kind rma.WindowKind, offset, old, newVal uint64) (uint64, error) {
	w, err := s.window(kind)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset+8 > uint64(len(w.data)) {
		return 0, fmt.Errorf("grpcpeer: CompareAndSwapU64 out of range: offset=%d cap=%d", offset, len(w.data))
	}
	cur := binary.LittleEndian.Uint64(w.data[offset:])
	if cur == old {
		binary.LittleEndian.PutUint64(w.data[offset:], newVal)
	}
	return cur, nil
}

func (s *localStore) lockAll(kind rma.WindowKind) error {
	w, err := s.window(kind)
	if err != nil {
		return err
	}
	w.fullMu.Lock()
	return nil
}

func (s *localStore) unlockAll(kind rma.WindowKind) error {
	w, err := s.window(kind)
	if err != nil {
		return err
	}
	w.fullMu.Unlock()
	return nil
}
