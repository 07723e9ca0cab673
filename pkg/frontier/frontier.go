package frontier

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"site-mirror/pkg/models"
)

// RejectReason explains why Offer declined an entry.
type RejectReason string

const (
	RejectNone      RejectReason = ""
	RejectDuplicate RejectReason = "duplicate"
	RejectDepth     RejectReason = "depth_exceeded"
	RejectQuota     RejectReason = "page_quota"
	RejectClosed    RejectReason = "closed"
)

// pqItem represents an item in the priority queue
type pqItem struct {
	entry    *models.FrontierEntry
	priority int   // Lower value means higher priority (depth)
	seq      int64 // Insertion order, breaks ties so equal depths pop FIFO
	index    int   // The index of the item in the heap (required by heap interface)
}

// priorityQueue implements heap.Interface
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*pqItem)
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes and returns the highest priority element (minimum value) from the heap
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// Frontier is the single admission point for page URLs. It holds the
// visited set and enforces the depth and page quotas, so every URL is
// either accepted exactly once or rejected with a reason. Accepted
// entries pop in (depth, insertion-order) order, which makes the crawl
// breadth-first.
type Frontier struct {
	pq       priorityQueue
	mu       sync.Mutex
	cond     *sync.Cond // Condition variable to wait for items
	closed   bool
	visited  map[string]struct{}
	accepted int
	nextSeq  int64
	maxDepth int
	maxPages int
	// quotaLogged keeps the quota message to a single line per run even
	// though every late Offer trips the same branch.
	quotaLogged bool
	log         *logrus.Logger
}

// New creates a Frontier. maxDepth and maxPages of 0 or below mean unlimited.
func New(maxDepth, maxPages int, logger *logrus.Logger) *Frontier {
	f := &Frontier{
		visited:  make(map[string]struct{}),
		maxDepth: maxDepth,
		maxPages: maxPages,
		log:      logger,
	}
	f.cond = sync.NewCond(&f.mu)
	heap.Init(&f.pq)
	return f
}

// Offer submits a URL for crawling. It returns true if the entry was
// accepted, or false with the reason it was declined. A URL rejected for
// depth or quota is NOT marked visited, so it may be accepted later if
// rediscovered at a shallower depth before the quota fills.
func (f *Frontier) Offer(entry *models.FrontierEntry) (bool, RejectReason) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, RejectClosed
	}
	key := entry.URL.String()
	if _, seen := f.visited[key]; seen {
		return false, RejectDuplicate
	}
	if f.maxDepth > 0 && entry.Depth > f.maxDepth {
		f.log.WithFields(logrus.Fields{"url": key, "depth": entry.Depth}).Debug("Rejected: beyond max depth")
		return false, RejectDepth
	}
	if f.maxPages > 0 && f.accepted >= f.maxPages {
		if !f.quotaLogged {
			f.quotaLogged = true
			f.log.WithField("max_pages", f.maxPages).Info("Page quota reached, no further URLs will be accepted")
		}
		return false, RejectQuota
	}

	f.visited[key] = struct{}{}
	f.accepted++
	f.nextSeq++
	heap.Push(&f.pq, &pqItem{
		entry:    entry,
		priority: entry.Depth,
		seq:      f.nextSeq,
	})
	f.cond.Signal() // Wake one waiting worker
	return true, RejectNone
}

// Seen reports whether a URL has already been accepted.
func (f *Frontier) Seen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[key]
	return ok
}

// MarkVisited records a URL as accepted without queueing it. Used when
// resuming so journaled pages are not re-crawled.
func (f *Frontier) MarkVisited(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; !seen {
		f.visited[key] = struct{}{}
		f.accepted++
	}
}

// Take retrieves and removes the shallowest pending entry.
// It blocks while the frontier is empty until an entry is offered or the
// frontier is closed. Returns nil and false once closed and drained.
func (f *Frontier) Take() (*models.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Wait while the queue is empty AND not closed
	for len(f.pq) == 0 {
		if f.closed {
			return nil, false
		}
		f.cond.Wait()
	}

	item := heap.Pop(&f.pq).(*pqItem)
	return item.entry, true
}

// Close signals that no more entries will be offered. Blocked Take calls
// return once the queue drains.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.log.WithField("accepted", f.accepted).Debug("Frontier closed")
		f.cond.Broadcast() // Wake all waiting workers so they observe closed
	}
}

// Len returns the current number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pq)
}

// Accepted returns how many URLs have been accepted so far.
func (f *Frontier) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}
