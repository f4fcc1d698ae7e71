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

package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ExecFrame 句柄内带序号的事件；Sequence 从 1 开始，句柄内严格递增且无空洞
type ExecFrame struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Event     ExecEvent `json:"event"`
}

// maxLineBytes NDJSON 单行上限，end 帧携带聚合输出，需大于默认 64KiB 缓冲的两倍
const maxLineBytes = 4 << 20

// Encoder 以 NDJSON 写出帧，每帧一行
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder 创建 NDJSON 编码器
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode 写出一帧（json.Encoder 自带换行）
func (e *Encoder) Encode(f ExecFrame) error {
	return e.enc.Encode(f)
}

// Decoder 逐行读取 NDJSON 帧
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder 创建 NDJSON 解码器
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{sc: sc}
}

// Decode 读取下一帧，流结束返回 io.EOF；空行跳过
func (d *Decoder) Decode() (ExecFrame, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f ExecFrame
		if err := json.Unmarshal(line, &f); err != nil {
			return ExecFrame{}, err
		}
		return f, nil
	}
	if err := d.sc.Err(); err != nil {
		return ExecFrame{}, err
	}
	return ExecFrame{}, io.EOF
}

// ReadAll 读取全部帧直到 EOF
func ReadAll(r io.Reader) ([]ExecFrame, error) {
	dec := NewDecoder(r)
	var out []ExecFrame
	for {
		f, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

// IntPtr / StringPtr 便于构造 EndPayload
func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }
