package connection

import (
	"github.com/adwski/babycam-monitor/monitor/model"
)

// queue is an ordered, capacity-unbounded FIFO between the connection
// goroutines and the consumer. push never waits for the consumer.
type queue struct {
	in  chan model.Notification
	out chan model.Notification
}

func newQueue() *queue {
	q := &queue{
		in:  make(chan model.Notification),
		out: make(chan model.Notification),
	}
	go q.pump()
	return q
}

func (q *queue) push(n model.Notification) {
	q.in <- n
}

// close flushes pending items to the consumer, then closes out.
func (q *queue) close() {
	close(q.in)
}

func (q *queue) pump() {
	var pending []model.Notification
	for {
		if len(pending) == 0 {
			n, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			pending = append(pending, n)
			continue
		}
		select {
		case n, ok := <-q.in:
			if !ok {
				for _, rest := range pending {
					q.out <- rest
				}
				close(q.out)
				return
			}
			pending = append(pending, n)
		case q.out <- pending[0]:
			pending[0] = model.Notification{}
			pending = pending[1:]
		}
	}
}
