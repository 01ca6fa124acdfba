/*
 * Copyright 2018 The CovenantGraph Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package replication

import (
	"path/filepath"
	"sync"

	"github.com/CovenantGraph/CovenantGraph/utils"
)

// taskPool serializes the client's background work (reconnects and
// catch-up) on a single worker so recovery attempts never interleave.
type taskPool struct {
	mu      sync.Mutex
	tasks   []func()
	signal  chan struct{}
	stopped bool
	done    chan struct{}
}

func newTaskPool() (p *taskPool) {
	p = &taskPool{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.run()
	return
}

// AddTask enqueues fn. Tasks enqueued after Stop are dropped.
func (p *taskPool) AddTask(fn func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.tasks = append(p.tasks, fn)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *taskPool) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.tasks) == 0 {
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			<-p.signal
			continue
		}
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		task()
	}
}

// Stop drops pending tasks and waits for the in-flight one to finish.
func (p *taskPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.tasks = nil
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	<-p.done
}

func encodeFileMeta(meta *fileMeta) (buf []byte, err error) {
	b, err := utils.EncodeMsgPack(meta)
	if err != nil {
		return
	}
	buf = b.Bytes()
	return
}

func decodeFileMeta(buf []byte) (meta *fileMeta, err error) {
	meta = &fileMeta{}
	err = utils.DecodeMsgPack(buf, meta)
	return
}

func baseName(path string) string {
	return filepath.Base(path)
}
