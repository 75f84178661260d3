// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"github.com/asch/jbs/internal/blockstore"
)

// Null implementation of the engine surface. Every operation is
// acknowledged immediately with success and reads come back zeroed. Useful
// for measuring the host harness and the queueing overhead without any
// device I/O. It can also serve as a template for alternative engine
// implementations.
type null struct {
	stop chan struct{}
}

func NewNull() *null {
	return &null{stop: make(chan struct{})}
}

func (n *null) EnqueueOp(op *blockstore.Op) {
	switch op.Opcode {
	case blockstore.OpRead:
		for i := range op.Buf[:op.Len] {
			op.Buf[i] = 0
		}
		op.Retval = int(op.Len)
	default:
		op.Retval = 0
	}
	if op.Callback != nil {
		op.Callback(op)
	}
}

func (n *null) Run() {
	<-n.stop
}

func (n *null) Stop() {
	close(n.stop)
}

func (n *null) Close() {
}

func (n *null) IsSafeToStop() bool {
	return true
}

func (n *null) IsStalled() bool {
	return false
}
