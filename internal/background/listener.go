package background

import (
	"fmt"
	"slices"
	"sync"
)

// Listener receives the aggregate number of unfinished items. It is called on
// the registry goroutine and must not call back into the Engine synchronously.
type Listener interface {
	ItemsChanged(items int)
}

type ListenerFunc func(items int)

func (f ListenerFunc) ItemsChanged(items int) {
	f(items)
}

type ListenerID uint64

// ItemsText is the status line shown to listeners.
func ItemsText(items int) string {
	return fmt.Sprintf("%d items", items)
}

type listenerEntry struct {
	id ListenerID
	l  Listener
}

// listeners may be changed from any goroutine. add and remove replace the
// list instead of mutating it, so notify can use it without copying.
type listeners struct {
	mu   sync.Mutex
	next ListenerID
	list []listenerEntry
}

func newListeners() *listeners {
	return &listeners{}
}

func (l *listeners) add(ls Listener) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	list := make([]listenerEntry, len(l.list), len(l.list)+1)
	copy(list, l.list)
	l.list = append(list, listenerEntry{id: l.next, l: ls})
	return l.next
}

func (l *listeners) remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.IndexFunc(l.list, func(e listenerEntry) bool { return e.id == id })
	if i < 0 {
		return false
	}
	l.list = slices.Concat(l.list[:i], l.list[i+1:])
	return true
}

// notify calls the listeners in registration order.
func (l *listeners) notify(items int) {
	l.mu.Lock()
	list := l.list
	l.mu.Unlock()

	for _, e := range list {
		e.l.ItemsChanged(items)
	}
}
