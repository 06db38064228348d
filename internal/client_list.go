package internal

import (
	"container/list"
	"sync"

	"github.com/openplasma/plasma/internal/core/client"
)

// A concurrency-safe collection of connected clients, shared by every
// frontend so that the max connection limit applies to the whole process.
type clientList struct {
	clients *list.List
	sync.RWMutex
}

func newClientList() *clientList {
	return &clientList{clients: list.New()}
}

func (cl *clientList) add(c *client.Client) {
	cl.Lock()
	cl.clients.PushBack(c)
	cl.Unlock()
}

func (cl *clientList) remove(c *client.Client) {
	cl.Lock()
	defer cl.Unlock()

	for elem := cl.clients.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*client.Client) == c {
			cl.clients.Remove(elem)
			return
		}
	}
}

func (cl *clientList) len() int {
	cl.RLock()
	defer cl.RUnlock()
	return cl.clients.Len()
}
