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

package durability

import (
	"os"
	"sync"

	"github.com/CovenantGraph/CovenantGraph/utils/log"
)

// FileRetainer keeps durability files on disk while replication catch-up
// or an external backup still references them. Deletion of a retained file
// is deferred until the last locker referencing it is released.
type FileRetainer struct {
	mu      sync.Mutex
	counts  map[string]int
	pending map[string]struct{}
}

// NewFileRetainer returns an empty retainer.
func NewFileRetainer() *FileRetainer {
	return &FileRetainer{
		counts:  make(map[string]int),
		pending: make(map[string]struct{}),
	}
}

// FileLocker pins a set of files in its parent retainer.
type FileLocker struct {
	retainer *FileRetainer
	files    map[string]struct{}
	released bool
}

// AddLocker opens a new locker.
func (r *FileRetainer) AddLocker() *FileLocker {
	return &FileLocker{
		retainer: r,
		files:    make(map[string]struct{}),
	}
}

// DeleteOrDefer removes the file immediately when unreferenced, otherwise
// marks it for removal on the last release.
func (r *FileRetainer) DeleteOrDefer(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[path] > 0 {
		r.pending[path] = struct{}{}
		return
	}
	r.removeNow(path)
}

func (r *FileRetainer) removeNow(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", path).Warning("failed to remove durability file")
	}
	delete(r.pending, path)
}

// AddFile pins path until the locker is released.
func (l *FileLocker) AddFile(path string) {
	l.retainer.mu.Lock()
	defer l.retainer.mu.Unlock()
	if l.released {
		return
	}
	if _, dup := l.files[path]; dup {
		return
	}
	l.files[path] = struct{}{}
	l.retainer.counts[path]++
}

// Release unpins every file held by the locker, removing files whose
// deletion was deferred.
func (l *FileLocker) Release() {
	l.retainer.mu.Lock()
	defer l.retainer.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	for path := range l.files {
		l.retainer.counts[path]--
		if l.retainer.counts[path] <= 0 {
			delete(l.retainer.counts, path)
			if _, deferred := l.retainer.pending[path]; deferred {
				l.retainer.removeNow(path)
			}
		}
	}
	l.files = nil
}
