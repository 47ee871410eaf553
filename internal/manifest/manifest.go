// Package manifest implements the ManifestStore (C6): an append-only list
// of (input-hash-tuple, dep-file rule key) entries used to resolve a rule's
// dep-file rule key without first building it locally, by matching the
// current hashes of its potential inputs against a previously observed
// footprint (§4.6).
//
// The on-disk layout is a small bespoke binary encoding (§6) rather than
// anything from the reference tool, since nothing in the corpus persists
// this particular shape; it is wrapped in gzip for the wire to the
// artifact cache, grounded on the same archive/gzip usage the reference
// tool's own cache layer reaches for when compressing blobs.
package manifest

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/rule"
)

// Entry is one observed input footprint and the dep-file rule key it
// produced.
type Entry struct {
	Inputs []rule.InputDescriptor
	Key    rule.Key
}

// Manifest is the in-memory form of a rule's manifest: an ordered list of
// entries, oldest first.
type Manifest struct {
	maxEntries int
	entries    []Entry
}

// New constructs an empty Manifest bounded to maxEntries (§4.6 bounded-size
// policy). maxEntries <= 0 means unbounded.
func New(maxEntries int) *Manifest {
	return &Manifest{maxEntries: maxEntries}
}

// Size returns the current entry count.
func (m *Manifest) Size() int { return len(m.entries) }

// Lookup scans entries in insertion order and returns the rule key of the
// first entry whose recorded inputs all still hash to the recorded value,
// per hashOf. Returns (zero key, false) if no entry matches (§4.6).
func (m *Manifest) Lookup(hashOf func(path string) ([]byte, error)) (rule.Key, bool) {
	for _, e := range m.entries {
		if entryMatches(e, hashOf) {
			return e.Key, true
		}
	}
	return rule.Key{}, false
}

func entryMatches(e Entry, hashOf func(path string) ([]byte, error)) bool {
	for _, in := range e.Inputs {
		h, err := hashOf(in.Path)
		if err != nil || !bytes.Equal(h, in.Hash) {
			return false
		}
	}
	return true
}

// AddEntry appends a new entry. If the manifest is already at its bound,
// it is reset to empty first (§4.6: "overflow discards the manifest and
// starts fresh").
func (m *Manifest) AddEntry(key rule.Key, inputs []rule.InputDescriptor) {
	if m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.entries = nil
	}
	cp := append([]rule.InputDescriptor(nil), inputs...)
	m.entries = append(m.entries, Entry{Inputs: cp, Key: key})
}

// Serialize writes the manifest's stable binary form (§6): u32 entry
// count, then per entry a u32 input count followed by (u16 path length,
// path bytes, 20-byte hash) tuples and a trailing 20-byte rule key.
func (m *Manifest) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, uint32(len(m.entries))); err != nil {
		return errs.NewIOFailure("writing manifest entry count", err)
	}
	for _, e := range m.entries {
		if err := writeU32(bw, uint32(len(e.Inputs))); err != nil {
			return errs.NewIOFailure("writing manifest input count", err)
		}
		for _, in := range e.Inputs {
			if len(in.Path) > 0xFFFF {
				return errs.NewInternal(fmt.Sprintf("manifest path too long: %s", in.Path))
			}
			if err := writeU16(bw, uint16(len(in.Path))); err != nil {
				return errs.NewIOFailure("writing manifest path length", err)
			}
			if _, err := bw.WriteString(in.Path); err != nil {
				return errs.NewIOFailure("writing manifest path", err)
			}
			if len(in.Hash) != rule.KeySize {
				return errs.NewInternal(fmt.Sprintf("manifest hash for %s is not %d bytes", in.Path, rule.KeySize))
			}
			if _, err := bw.Write(in.Hash); err != nil {
				return errs.NewIOFailure("writing manifest hash", err)
			}
		}
		if _, err := bw.Write(e.Key[:]); err != nil {
			return errs.NewIOFailure("writing manifest rule key", err)
		}
	}
	return bw.Flush()
}

// Deserialize replaces the manifest's contents by reading r in the format
// produced by Serialize.
func (m *Manifest) Deserialize(r io.Reader) error {
	br := bufio.NewReader(r)
	count, err := readU32(br)
	if err != nil {
		return errs.NewIOFailure("reading manifest entry count", err)
	}
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		nInputs, err := readU32(br)
		if err != nil {
			return errs.NewIOFailure("reading manifest input count", err)
		}
		inputs := make([]rule.InputDescriptor, 0, nInputs)
		for j := uint32(0); j < nInputs; j++ {
			pathLen, err := readU16(br)
			if err != nil {
				return errs.NewIOFailure("reading manifest path length", err)
			}
			pathBuf := make([]byte, pathLen)
			if _, err := io.ReadFull(br, pathBuf); err != nil {
				return errs.NewIOFailure("reading manifest path", err)
			}
			hash := make([]byte, rule.KeySize)
			if _, err := io.ReadFull(br, hash); err != nil {
				return errs.NewIOFailure("reading manifest hash", err)
			}
			inputs = append(inputs, rule.InputDescriptor{Path: string(pathBuf), Hash: hash})
		}
		var key rule.Key
		if _, err := io.ReadFull(br, key[:]); err != nil {
			return errs.NewIOFailure("reading manifest rule key", err)
		}
		entries = append(entries, Entry{Inputs: inputs, Key: key})
	}
	m.entries = entries
	return nil
}

// EncodeGzip serializes the manifest and gzip-compresses it for the
// artifact cache wire format (§6).
func (m *Manifest) EncodeGzip() ([]byte, error) {
	var raw bytes.Buffer
	if err := m.Serialize(&raw); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	gw := gzip.NewWriter(&out)
	if _, err := gw.Write(raw.Bytes()); err != nil {
		return nil, errs.NewIOFailure("gzip-compressing manifest", err)
	}
	if err := gw.Close(); err != nil {
		return nil, errs.NewIOFailure("finalizing manifest gzip stream", err)
	}
	return out.Bytes(), nil
}

// DecodeGzip replaces the manifest's contents by gunzipping and
// deserializing data produced by EncodeGzip.
func (m *Manifest) DecodeGzip(data []byte) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errs.NewIOFailure("opening manifest gzip stream", err)
	}
	defer gr.Close()
	return m.Deserialize(gr)
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}
