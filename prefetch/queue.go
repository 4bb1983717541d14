package prefetch

import (
	"fmt"
)

type task struct {
	// url is the canonical absolute URL of the resource, also used as cache key.
	url string
	// depth is the number of stylesheets between the root and this resource.
	depth int
	next  *task
}

// queue hands out tasks to workers, each URL at most once.
// It runs as long as there it at least one incomplete task.
// New tasks are posted to in and can be read out from out.
// A task is marked as complete by sending it to doneTask.
func queue(initialTasks []*task, in <-chan *task, doneTask <-chan *task, out chan<- *task) {
	addedURLs := make(map[string]struct{})
	var q linkedQueue
	incompleteTasks := 0
	for _, t := range initialTasks {
		if _, ok := addedURLs[t.url]; ok {
			continue
		}
		addedURLs[t.url] = struct{}{}
		q.pushRight(t)
		incompleteTasks++
	}
Loop:
	for incompleteTasks > 0 {
		var sendChan chan<- *task
		currentTask := q.popLeft()
		if currentTask != nil {
			sendChan = out
		}
		select {
		case t, ok := <-in:
			if currentTask != nil {
				// need to restore the task for next iteration.
				q.pushLeft(currentTask)
			}
			if !ok {
				in = nil
				continue Loop
			}
			if _, ok := addedURLs[t.url]; ok {
				continue Loop
			}
			addedURLs[t.url] = struct{}{}
			q.pushRight(t)
			incompleteTasks++
		case sendChan <- currentTask:
		case _, ok := <-doneTask:
			if currentTask != nil {
				q.pushLeft(currentTask)
			}
			if ok {
				incompleteTasks--
			}
		}
	}
}

type linkedQueue struct {
	head, tail *task
}

func (lq *linkedQueue) pushRight(t *task) {
	if lq.tail == nil {
		lq.head = t
		lq.tail = t
		return
	}
	lq.tail.next = t
	lq.tail = t
}

func (lq *linkedQueue) pushLeft(t *task) {
	t.next = lq.head
	lq.head = t
	if lq.tail == nil {
		lq.tail = lq.head
	}
}

func (lq *linkedQueue) popLeft() *task {
	if lq.head == nil {
		return nil
	}
	t := lq.head
	lq.head, t.next = t.next, nil
	if lq.head == nil {
		lq.tail = nil
	}
	return t
}

func (lq *linkedQueue) len() int {
	l := 0
	for cur := lq.head; cur != nil; cur = cur.next {
		l++
	}
	return l
}

func (lq *linkedQueue) String() string {
	return fmt.Sprintf("linkedQueue<len=%d>", lq.len())
}

func (lq *linkedQueue) toSlice() []*task {
	out := make([]*task, 0, lq.len())
	for cur := lq.head; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	return out
}
