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
	"bytes"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/CovenantGraph/CovenantGraph/utils"
)

// Registry durably stores registered replicas so the main restores its
// replication clients after a restart.
type Registry struct {
	db *leveldb.DB
}

// OpenRegistry opens (or creates) a replica registry at path.
func OpenRegistry(path string) (r *Registry, err error) {
	r = &Registry{}
	if r.db, err = leveldb.OpenFile(path, nil); err != nil {
		err = errors.Wrap(err, "open replica registry")
		r = nil
	}
	return
}

// Save upserts a replica configuration keyed by its name.
func (r *Registry) Save(cfg *ClientConfig) (err error) {
	var buf *bytes.Buffer
	if buf, err = utils.EncodeMsgPack(cfg); err != nil {
		err = errors.Wrap(err, "encode replica config")
		return
	}
	if err = r.db.Put([]byte(cfg.Name), buf.Bytes(), nil); err != nil {
		err = errors.Wrap(err, "store replica config")
	}
	return
}

// Delete removes the replica configuration with the given name.
func (r *Registry) Delete(name string) (err error) {
	if err = r.db.Delete([]byte(name), nil); err != nil {
		err = errors.Wrap(err, "delete replica config")
	}
	return
}

// List returns every stored replica configuration.
func (r *Registry) List() (configs []*ClientConfig, err error) {
	it := r.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		cfg := &ClientConfig{}
		if err = utils.DecodeMsgPack(it.Value(), cfg); err != nil {
			err = errors.Wrapf(err, "decode replica config %q", it.Key())
			return
		}
		configs = append(configs, cfg)
	}
	err = it.Error()
	return
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.db.Close()
}
