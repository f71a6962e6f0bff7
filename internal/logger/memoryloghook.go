// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package logger

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryLogHook captures log entries in memory so tests can assert on what
// was logged without scraping stderr.
type MemoryLogHook struct {
	mu      sync.Mutex
	entries []*logrus.Entry
}

func NewMemoryLogHook() *MemoryLogHook {
	return &MemoryLogHook{}
}

func (h *MemoryLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *MemoryLogHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

func (h *MemoryLogHook) Entries() []*logrus.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*logrus.Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *MemoryLogHook) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// MemoryLogSubHook filters entries down to a single logrus.Level before
// recording them, useful for asserting "exactly these warnings were logged".
type MemoryLogSubHook struct {
	parent *MemoryLogHook
	level  logrus.Level
}

func NewMemoryLogSubHook(parent *MemoryLogHook, level logrus.Level) *MemoryLogSubHook {
	return &MemoryLogSubHook{parent: parent, level: level}
}

func (h *MemoryLogSubHook) Levels() []logrus.Level {
	return []logrus.Level{h.level}
}

func (h *MemoryLogSubHook) Fire(entry *logrus.Entry) error {
	return h.parent.Fire(entry)
}
