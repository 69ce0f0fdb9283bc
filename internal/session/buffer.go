package session

import (
	"sync"

	"github.com/onexay/docvs/internal/types"
)

// Buffer is a Surface held in server memory for sessions driven over HTTP.
type Buffer struct {
	mu      sync.RWMutex
	content types.Content
	onEdit  func()
}

// NewBuffer returns a buffer seeded with content.
func NewBuffer(content types.Content) *Buffer {
	return &Buffer{content: clone(content)}
}

// OnEdit registers the callback run after a dirtying SetContent.
func (b *Buffer) OnEdit(fn func()) {
	b.mu.Lock()
	b.onEdit = fn
	b.mu.Unlock()
}

func (b *Buffer) GetContent() types.Content {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.content)
}

func (b *Buffer) SetContent(content types.Content, emitDirty bool) {
	b.mu.Lock()
	b.content = clone(content)
	fn := b.onEdit
	b.mu.Unlock()

	if emitDirty && fn != nil {
		fn()
	}
}

func clone(c types.Content) types.Content {
	if c == nil {
		return nil
	}
	return append(types.Content(nil), c...)
}
