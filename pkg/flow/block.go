package flow

import "sync"

// Block is admission control for a node. A node with a Block accepts at
// most MaxInFlight concurrent batches, and none while held. Deliveries that
// are not admitted wait in the node's backlog.
type Block struct {
	MaxInFlight int

	mu       sync.Mutex
	inFlight int
	held     bool
	onOpen   []func()
}

// NewBlock returns a Block admitting up to maxInFlight batches at a time.
// Zero means unlimited.
func NewBlock(maxInFlight int) *Block {
	return &Block{MaxInFlight: maxInFlight}
}

// Hold closes the block manually.
func (b *Block) Hold() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

// Release reopens a held block and wakes waiting deliveries.
func (b *Block) Release() {
	b.mu.Lock()
	b.held = false
	b.mu.Unlock()
	b.notify()
}

// Blocked reports whether a new batch would be refused.
func (b *Block) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedLocked()
}

func (b *Block) blockedLocked() bool {
	return b.held || (b.MaxInFlight > 0 && b.inFlight >= b.MaxInFlight)
}

// Acquire admits one batch if the block is open.
func (b *Block) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blockedLocked() {
		return false
	}
	b.inFlight++
	return true
}

// Done marks an admitted batch finished.
func (b *Block) Done() {
	b.mu.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.mu.Unlock()
	b.notify()
}

// InFlight returns the number of admitted batches still running.
func (b *Block) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// OnOpen registers fn to be called whenever capacity may have freed up.
func (b *Block) OnOpen(fn func()) {
	b.mu.Lock()
	b.onOpen = append(b.onOpen, fn)
	b.mu.Unlock()
}

func (b *Block) notify() {
	b.mu.Lock()
	fns := append([]func(){}, b.onOpen...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
