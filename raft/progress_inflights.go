package raft

// inflights represents the sliding window of in-flight append messages
// to one follower. The buffer contains the last log entry index of each
// message.
//
// When it's full, no more messages should be sent to this follower.
// Whenever the leader sends out a message, the index of the last entry
// in the message is added here. When the leader receives a response,
// it frees the previous in-flight messages by calling freeTo with the
// index of the last acknowledged entry.
type inflights struct {
	// buffer contains the last entry indexes of each message.
	buffer []uint64

	// bufferSize is the capacity of the window.
	bufferSize int

	// bufferStart is the starting index in the buffer.
	bufferStart int

	// bufferCount is the number of inflights in the buffer.
	bufferCount int
}

func newInflights(size int) *inflights {
	return &inflights{
		// buffer is grown on demand, not preallocated, to handle
		// processes with thousands of raft groups
		bufferSize:  size,
		bufferStart: 0,
		bufferCount: 0,
	}
}

func (ins *inflights) full() bool {
	return ins.bufferCount == ins.bufferSize
}

// growBuffer doubles the buffer up to bufferSize.
func (ins *inflights) growBuffer() {
	newSize := len(ins.buffer) * 2
	if newSize == 0 {
		newSize = 1
	} else if newSize > ins.bufferSize {
		newSize = ins.bufferSize
	}
	newBuffer := make([]uint64, newSize)
	copy(newBuffer, ins.buffer)
	ins.buffer = newBuffer
}

// add records an in-flight message. inflight must be incremental.
func (ins *inflights) add(inflight uint64) {
	if ins.full() {
		raftLogger.Panicf("cannot add inflight '%d' into a full inflights", inflight)
	}

	next := ins.bufferStart + ins.bufferCount
	next = next % ins.bufferSize // rotate
	if next >= len(ins.buffer) {
		ins.growBuffer()
	}

	ins.buffer[next] = inflight
	ins.bufferCount++
}

// freeAll frees all inflights.
func (ins *inflights) freeAll() {
	ins.bufferStart = 0
	ins.bufferCount = 0
}

// freeTo frees in-flight messages with index <= 'to'.
func (ins *inflights) freeTo(to uint64) {
	if ins.bufferCount == 0 || ins.buffer[ins.bufferStart] > to {
		return
	}

	var (
		cnt   int
		start = ins.bufferStart
	)
	for cnt = 0; cnt < ins.bufferCount; cnt++ {
		if ins.buffer[start] > to {
			// found the first larger inflight
			break
		}

		start++
		start = start % ins.bufferSize
	}

	// free 'cnt' inflights and set new start index
	ins.bufferCount -= cnt
	ins.bufferStart = start

	if ins.bufferCount == 0 {
		// inflights is empty, reset the start index so that we don't grow the
		// buffer unnecessarily.
		ins.bufferStart = 0
	}
}

func (ins *inflights) freeFirstOne() {
	ins.freeTo(ins.buffer[ins.bufferStart])
}
