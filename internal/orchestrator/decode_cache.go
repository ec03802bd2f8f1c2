package orchestrator

import (
	"bytes"
	"container/list"
	"fmt"
	"image"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// decodeCacheSize bounds decoded frames held in memory. Decoded pixel
// buffers dwarf their encoded form, so the cap is deliberately small.
const decodeCacheSize = 100

// decodeCache is an LRU of decoded frames keyed by (take, frame). Frame
// decoding is single-threaded per orchestrator, but the cache is locked so
// the live path can share it.
type decodeCache struct {
	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type decodeEntry struct {
	key string
	img image.Image
}

func newDecodeCache() *decodeCache {
	return &decodeCache{
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func decodeKey(takeID int64, frameID int) string {
	return fmt.Sprintf("%d/%d", takeID, frameID)
}

// decode returns the decoded frame, from cache when possible
func (c *decodeCache) decode(takeID int64, frameID int, data []byte) (image.Image, error) {
	key := decodeKey(takeID, frameID)

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		img := elem.Value.(*decodeEntry).img
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %d of take %d: %w", frameID, takeID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*decodeEntry).img, nil
	}
	c.items[key] = c.order.PushFront(&decodeEntry{key: key, img: img})
	for c.order.Len() > decodeCacheSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*decodeEntry).key)
	}
	return img, nil
}

func (c *decodeCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
