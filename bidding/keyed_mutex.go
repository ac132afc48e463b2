package bidding

import (
	"context"
	"sync"
)

type keyedSlot struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex 是單一節點使用的 Locker，每個key一把鎖，不同key之間互不阻塞。
// 沒有人持有或等待的key會被回收。
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keyedSlot)}
}

// Lock 取得key的鎖，ctx結束前拿不到鎖時回傳 ErrBusy
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	slot := m.acquireSlot(key)
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseSlot(key, slot)
		return nil, ErrBusy
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.sem
			m.releaseSlot(key, slot)
		})
	}, nil
}

func (m *KeyedMutex) acquireSlot(key string) *keyedSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[key]
	if !ok {
		slot = &keyedSlot{sem: make(chan struct{}, 1)}
		m.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (m *KeyedMutex) releaseSlot(key string, slot *keyedSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(m.slots, key)
	}
}

// Len 回傳目前仍有人持有或等待的key數量
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
