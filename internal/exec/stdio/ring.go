// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stdio

// ring 固定容量的环形字节缓冲，写满后覆盖最旧字节；由 Tracker 的锁保护
type ring struct {
	data     []byte
	capacity int
	// writePos 下一次写入位置（0..capacity-1）
	writePos int
	// stored 当前保留的字节数，<= capacity
	stored int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		return &ring{}
	}
	return &ring{data: make([]byte, capacity), capacity: capacity}
}

func (r *ring) write(p []byte) {
	if r.capacity == 0 || len(p) == 0 {
		return
	}
	// 超过容量时只有末尾 capacity 字节会留下
	if len(p) > r.capacity {
		p = p[len(p)-r.capacity:]
	}
	for off := 0; off < len(p); {
		n := copy(r.data[r.writePos:], p[off:])
		r.writePos = (r.writePos + n) % r.capacity
		off += n
	}
	r.stored += len(p)
	if r.stored > r.capacity {
		r.stored = r.capacity
	}
}

func (r *ring) bytes() []byte {
	if r.stored == 0 {
		return nil
	}
	out := make([]byte, r.stored)
	start := (r.writePos - r.stored + r.capacity) % r.capacity
	n := copy(out, r.data[start:])
	if n < r.stored {
		copy(out[n:], r.data[:r.stored-n])
	}
	return out
}

func (r *ring) reset() {
	r.writePos = 0
	r.stored = 0
}
