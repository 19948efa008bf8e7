// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the encode buffers used for outbound messages and
// the fixed-size read buffers used by connection handlers.
package bufpool

import (
	"bytes"
	"sync"
)

const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty encode buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. Buffers grown past 64 KiB are dropped.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

var (
	framesMu sync.Mutex
	frames   = map[int]*sync.Pool{}
)

// GetFrame returns a read buffer of exactly size bytes.
func GetFrame(size int) *[]byte {
	p := framePool(size)
	if v := p.Get(); v != nil {
		return v.(*[]byte)
	}
	b := make([]byte, size)
	return &b
}

// PutFrame returns a read buffer obtained from GetFrame.
func PutFrame(b *[]byte) {
	if b == nil || len(*b) == 0 {
		return
	}
	framePool(len(*b)).Put(b)
}

func framePool(size int) *sync.Pool {
	framesMu.Lock()
	defer framesMu.Unlock()
	p, ok := frames[size]
	if !ok {
		p = &sync.Pool{}
		frames[size] = p
	}
	return p
}
