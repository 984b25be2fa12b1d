package upload

import "sync"

// dispatcher runs callbacks one at a time, in the order they were posted,
// on a single goroutine. The queue is unbounded so a callback can post
// (for example by starting another upload) without deadlocking.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}

			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			fn()
		}
	}
}

// close drops anything still queued and waits for the running callback,
// if any, to return.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done

		return
	}

	d.stopped = true
	d.queue = nil
	d.mu.Unlock()

	close(d.stop)
	<-d.done
}
