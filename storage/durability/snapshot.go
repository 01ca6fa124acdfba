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
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/CovenantGraph/CovenantGraph/types"
)

var snapshotMagic = []byte("MGsn")

const snapshotVersion uint32 = 1

// MapperEntry is one name id mapper row persisted in a snapshot.
type MapperEntry struct {
	ID   uint32
	Name string
}

// SnapshotVertex is one dumped vertex. Adjacency is reconstructed from the
// edges section.
type SnapshotVertex struct {
	Gid        uint64
	Labels     []uint64
	Properties map[uint32]types.PropertyValue
}

// SnapshotEdge is one dumped edge.
type SnapshotEdge struct {
	Gid        uint64
	FromGid    uint64
	ToGid      uint64
	EdgeType   uint32
	Properties map[uint32]types.PropertyValue
}

// SnapshotData is the full content of a snapshot file.
type SnapshotData struct {
	UUID           string
	EpochID        string
	StartTimestamp uint64

	Mapper               []MapperEntry
	LabelIndices         []uint64
	LabelPropertyIndices [][2]uint64
	Vertices             []SnapshotVertex
	Edges                []SnapshotEdge
}

// SnapshotInfo is the decoded header of a snapshot file.
type SnapshotInfo struct {
	Path           string
	UUID           string
	EpochID        string
	StartTimestamp uint64
}

// SnapshotFileName builds the on-disk name of a snapshot.
func SnapshotFileName(uuid string, startTimestamp uint64) string {
	return fmt.Sprintf("snapshot_%s_%020d", uuid, startTimestamp)
}

// ParseSnapshotFileName extracts the uuid and start timestamp from a
// snapshot file name, reporting ok=false for foreign files.
func ParseSnapshotFileName(name string) (uuid string, startTimestamp uint64, ok bool) {
	if !strings.HasPrefix(name, "snapshot_") {
		return
	}
	rest := name[len("snapshot_"):]
	idx := strings.LastIndex(rest, "_")
	if idx <= 0 {
		return
	}
	var err error
	if startTimestamp, err = strconv.ParseUint(rest[idx+1:], 10, 64); err != nil {
		return
	}
	uuid = rest[:idx]
	ok = true
	return
}

// crcWriter counts written bytes and maintains a running crc32 so section
// offsets and the footer checksum come for free.
type crcWriter struct {
	w      io.Writer
	offset uint64
	crc    uint32
}

func (c *crcWriter) Write(p []byte) (n int, err error) {
	if n, err = c.w.Write(p); n > 0 {
		c.offset += uint64(n)
		c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	}
	return
}

// WriteSnapshot dumps data into dir and returns the created file path. The
// file ends with the section offset footer and a crc32 of everything
// before it.
func WriteSnapshot(dir string, data *SnapshotData) (path string, err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		err = errors.Wrap(err, "create snapshot directory")
		return
	}
	path = filepath.Join(dir, SnapshotFileName(data.UUID, data.StartTimestamp))
	var file *os.File
	if file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644); err != nil {
		err = errors.Wrap(err, "create snapshot file")
		return
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	bw := bufio.NewWriter(file)
	w := &crcWriter{w: bw}

	// Header.
	if _, err = w.Write(snapshotMagic); err != nil {
		return
	}
	if err = writeUint32(w, snapshotVersion); err != nil {
		return
	}
	if err = writeString(w, data.UUID); err != nil {
		return
	}
	if err = writeString(w, data.EpochID); err != nil {
		return
	}
	if err = writeUint64(w, data.StartTimestamp); err != nil {
		return
	}

	// Name id mapper.
	mapperOffset := w.offset
	if err = writeUint32(w, uint32(len(data.Mapper))); err != nil {
		return
	}
	for _, entry := range data.Mapper {
		if err = writeUint32(w, entry.ID); err != nil {
			return
		}
		if err = writeString(w, entry.Name); err != nil {
			return
		}
	}

	// Indexes.
	indexOffset := w.offset
	if err = writeUint32(w, uint32(len(data.LabelIndices))); err != nil {
		return
	}
	for _, label := range data.LabelIndices {
		if err = writeUint64(w, label); err != nil {
			return
		}
	}
	if err = writeUint32(w, uint32(len(data.LabelPropertyIndices))); err != nil {
		return
	}
	for _, pair := range data.LabelPropertyIndices {
		if err = writeUint64(w, pair[0]); err != nil {
			return
		}
		if err = writeUint64(w, pair[1]); err != nil {
			return
		}
	}

	// Vertices.
	vertexOffset := w.offset
	if err = writeUint64(w, uint64(len(data.Vertices))); err != nil {
		return
	}
	for i := range data.Vertices {
		if err = writeSnapshotVertex(w, &data.Vertices[i]); err != nil {
			return
		}
	}

	// Edges.
	edgeOffset := w.offset
	if err = writeUint64(w, uint64(len(data.Edges))); err != nil {
		return
	}
	for i := range data.Edges {
		if err = writeSnapshotEdge(w, &data.Edges[i]); err != nil {
			return
		}
	}

	// Footer: section offsets then crc32 of every preceding byte.
	for _, offset := range []uint64{mapperOffset, indexOffset, vertexOffset, edgeOffset} {
		if err = writeUint64(w, offset); err != nil {
			return
		}
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], w.crc)
	if _, err = bw.Write(crcBuf[:]); err != nil {
		return
	}
	if err = bw.Flush(); err != nil {
		return
	}
	err = file.Sync()
	return
}

func writeProperties(w io.Writer, props map[uint32]types.PropertyValue) (err error) {
	if err = writeUint32(w, uint32(len(props))); err != nil {
		return
	}
	keys := make([]uint32, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if err = writeUint32(w, k); err != nil {
			return
		}
		if err = props[k].EncodeTo(w); err != nil {
			return
		}
	}
	return
}

func writeSnapshotVertex(w io.Writer, v *SnapshotVertex) (err error) {
	if err = writeUint64(w, v.Gid); err != nil {
		return
	}
	if err = writeUint32(w, uint32(len(v.Labels))); err != nil {
		return
	}
	for _, label := range v.Labels {
		if err = writeUint64(w, label); err != nil {
			return
		}
	}
	return writeProperties(w, v.Properties)
}

func writeSnapshotEdge(w io.Writer, e *SnapshotEdge) (err error) {
	if err = writeUint64(w, e.Gid); err != nil {
		return
	}
	if err = writeUint64(w, e.FromGid); err != nil {
		return
	}
	if err = writeUint64(w, e.ToGid); err != nil {
		return
	}
	if err = writeUint32(w, e.EdgeType); err != nil {
		return
	}
	return writeProperties(w, e.Properties)
}

func readSnapshotHeader(r io.Reader) (info SnapshotInfo, err error) {
	magic := make([]byte, 4)
	if _, err = io.ReadFull(r, magic); err != nil {
		return
	}
	if !bytes.Equal(magic, snapshotMagic) {
		err = ErrInvalidMagic
		return
	}
	var version uint32
	if version, err = readUint32(r); err != nil {
		return
	}
	if version != snapshotVersion {
		err = ErrUnsupportedVersion
		return
	}
	if info.UUID, err = readString(r); err != nil {
		return
	}
	if info.EpochID, err = readString(r); err != nil {
		return
	}
	info.StartTimestamp, err = readUint64(r)
	return
}

// ReadSnapshotInfo reads just the header of a snapshot file.
func ReadSnapshotInfo(path string) (info SnapshotInfo, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	if info, err = readSnapshotHeader(f); err != nil {
		return
	}
	info.Path = path
	return
}

// ReadSnapshot loads a full snapshot, verifying the trailing crc32 first.
func ReadSnapshot(path string) (data *SnapshotData, err error) {
	var raw []byte
	if raw, err = readFileAll(path); err != nil {
		return
	}
	if len(raw) < 4+4+8+4*8+4 {
		err = ErrInvalidRecord
		return
	}
	body, crcBytes := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(crcBytes) {
		err = ErrChecksumMismatch
		return
	}
	r := bytes.NewReader(body)

	var info SnapshotInfo
	if info, err = readSnapshotHeader(r); err != nil {
		return
	}
	data = &SnapshotData{
		UUID:           info.UUID,
		EpochID:        info.EpochID,
		StartTimestamp: info.StartTimestamp,
	}

	// Name id mapper.
	var cnt32 uint32
	if cnt32, err = readUint32(r); err != nil {
		return
	}
	data.Mapper = make([]MapperEntry, cnt32)
	for i := range data.Mapper {
		if data.Mapper[i].ID, err = readUint32(r); err != nil {
			return
		}
		if data.Mapper[i].Name, err = readString(r); err != nil {
			return
		}
	}

	// Indexes.
	if cnt32, err = readUint32(r); err != nil {
		return
	}
	data.LabelIndices = make([]uint64, cnt32)
	for i := range data.LabelIndices {
		if data.LabelIndices[i], err = readUint64(r); err != nil {
			return
		}
	}
	if cnt32, err = readUint32(r); err != nil {
		return
	}
	data.LabelPropertyIndices = make([][2]uint64, cnt32)
	for i := range data.LabelPropertyIndices {
		if data.LabelPropertyIndices[i][0], err = readUint64(r); err != nil {
			return
		}
		if data.LabelPropertyIndices[i][1], err = readUint64(r); err != nil {
			return
		}
	}

	// Vertices.
	var cnt64 uint64
	if cnt64, err = readUint64(r); err != nil {
		return
	}
	data.Vertices = make([]SnapshotVertex, cnt64)
	for i := range data.Vertices {
		if err = readSnapshotVertex(r, &data.Vertices[i]); err != nil {
			return
		}
	}

	// Edges.
	if cnt64, err = readUint64(r); err != nil {
		return
	}
	data.Edges = make([]SnapshotEdge, cnt64)
	for i := range data.Edges {
		if err = readSnapshotEdge(r, &data.Edges[i]); err != nil {
			return
		}
	}
	return
}

func readProperties(r io.Reader) (props map[uint32]types.PropertyValue, err error) {
	var cnt uint32
	if cnt, err = readUint32(r); err != nil {
		return
	}
	props = make(map[uint32]types.PropertyValue, cnt)
	for i := uint32(0); i < cnt; i++ {
		var key uint32
		if key, err = readUint32(r); err != nil {
			return
		}
		if props[key], err = types.DecodeValue(r); err != nil {
			return
		}
	}
	return
}

func readSnapshotVertex(r io.Reader, v *SnapshotVertex) (err error) {
	if v.Gid, err = readUint64(r); err != nil {
		return
	}
	var cnt uint32
	if cnt, err = readUint32(r); err != nil {
		return
	}
	v.Labels = make([]uint64, cnt)
	for i := range v.Labels {
		if v.Labels[i], err = readUint64(r); err != nil {
			return
		}
	}
	v.Properties, err = readProperties(r)
	return
}

func readSnapshotEdge(r io.Reader, e *SnapshotEdge) (err error) {
	if e.Gid, err = readUint64(r); err != nil {
		return
	}
	if e.FromGid, err = readUint64(r); err != nil {
		return
	}
	if e.ToGid, err = readUint64(r); err != nil {
		return
	}
	if e.EdgeType, err = readUint32(r); err != nil {
		return
	}
	e.Properties, err = readProperties(r)
	return
}

func readFileAll(path string) (raw []byte, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err = io.Copy(&buf, f); err != nil {
		return
	}
	raw = buf.Bytes()
	return
}
