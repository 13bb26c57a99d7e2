package transfer

import (
	"io"
	"sync"
)

// Progress is the transferred byte count of one file.
type Progress struct {
	FileKey  string
	FileName string
	Loaded   int64
	Total    int64
}

// Percent ...
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Loaded) / float64(p.Total) * 100
}

// Notifier delivers progress to a callback on its own goroutine. Notify never blocks:
// updates for the same file that arrive while the callback is busy collapse into the latest one.
type Notifier struct {
	callback func(Progress)

	mu      sync.Mutex
	pending map[string]Progress
	order   []string

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewNotifier starts a notifier. Close must be called to flush and stop it.
func NewNotifier(callback func(Progress)) *Notifier {
	n := &Notifier{
		callback: callback,
		pending:  map[string]Progress{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues p, replacing any undelivered update of the same file.
func (n *Notifier) Notify(p Progress) {
	n.mu.Lock()
	if _, ok := n.pending[p.FileKey]; !ok {
		n.order = append(n.order, p.FileKey)
	}
	n.pending[p.FileKey] = p
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close delivers what is still pending and stops the notifier.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.stop)
		<-n.done
	})
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.wake:
			n.flush()
		case <-n.stop:
			n.flush()
			return
		}
	}
}

func (n *Notifier) flush() {
	n.mu.Lock()
	batch := make([]Progress, 0, len(n.order))
	for _, key := range n.order {
		batch = append(batch, n.pending[key])
	}
	n.pending = map[string]Progress{}
	n.order = nil
	n.mu.Unlock()

	for _, p := range batch {
		n.callback(p)
	}
}

// progressReader counts the bytes the transport pulled from r during one attempt.
type progressReader struct {
	r       io.Reader
	sent    int64
	onBytes func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.onBytes(p.sent)
	}
	return n, err
}
