package bufferpool

import (
	"container/list"
	"sync"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

var ErrNoVictim = errors.New("no victim available")

// LRUReplacer tracks unpinned frames. The least recently unpinned frame is
// the victim.
type LRUReplacer struct {
	mu     sync.Mutex
	lru    *list.List
	frames map[common.FrameID]*list.Element
}

var (
	_ Replacer = &LRUReplacer{}
)

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		lru:    list.New(),
		frames: make(map[common.FrameID]*list.Element),
	}
}

func (l *LRUReplacer) Pin(frameID common.FrameID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeLocked(frameID)
}

func (l *LRUReplacer) Unpin(frameID common.FrameID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.frames[frameID]; exists {
		return
	}

	elem := l.lru.PushFront(frameID)
	l.frames[frameID] = elem
}

// Remove forgets the frame. Used when a frame leaves the pool.
func (l *LRUReplacer) Remove(frameID common.FrameID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeLocked(frameID)
}

func (l *LRUReplacer) removeLocked(frameID common.FrameID) {
	if elem, ok := l.frames[frameID]; ok {
		l.lru.Remove(elem)
		delete(l.frames, frameID)
	}
}

func (l *LRUReplacer) ChooseVictim() (common.FrameID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.lru.Back()
	if elem == nil {
		return 0, ErrNoVictim
	}

	frameID := elem.Value.(common.FrameID)

	l.lru.Remove(elem)
	delete(l.frames, frameID)

	return frameID, nil
}

func (l *LRUReplacer) GetSize() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return uint64(len(l.frames))
}
