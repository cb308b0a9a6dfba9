package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	updateVersion byte = 1

	flagDeleted byte = 1 << 0

	maxKeyLen   = 1 << 16
	maxValueLen = 1 << 26
)

// Entry is the state of one key: the last write observed for it.
type Entry struct {
	Key     string
	Value   []byte
	Deleted bool
	Clock   uint64
	Client  uint32
}

// newer reports whether e wins over other. The order is total so merging is
// commutative regardless of arrival order.
func (e Entry) newer(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	if e.Client != other.Client {
		return e.Client > other.Client
	}
	if e.Deleted != other.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, other.Value) > 0
}

func encodeEntries(entries []Entry) []byte {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	size := 1 + binary.MaxVarintLen64
	for _, e := range entries {
		size += 3*binary.MaxVarintLen64 + len(e.Key) + 1 + binary.MaxVarintLen32 + len(e.Value)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, updateVersion)
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.AppendUvarint(buf, e.Clock)
		buf = binary.AppendUvarint(buf, uint64(e.Client))
		if e.Deleted {
			buf = append(buf, flagDeleted)
			continue
		}
		buf = append(buf, 0)
		buf = binary.AppendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrMalformedUpdate, r.off)
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if n > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedUpdate, r.off)
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *reader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, fmt.Errorf("%w: truncated at offset %d", ErrMalformedUpdate, r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// DecodeUpdate parses an encoded update. The result shares no memory with update.
func DecodeUpdate(update []byte) ([]Entry, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	if update[0] != updateVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, update[0])
	}
	r := &reader{buf: update, off: 1}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(len(update)) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedUpdate, count)
	}

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if keyLen > maxKeyLen {
			return nil, fmt.Errorf("%w: key length %d", ErrMalformedUpdate, keyLen)
		}
		key, err := r.bytes(keyLen)
		if err != nil {
			return nil, err
		}
		clk, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if client > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: client id %d", ErrMalformedUpdate, client)
		}
		flags, err := r.readByte()
		if err != nil {
			return nil, err
		}

		e := Entry{Key: string(key), Clock: clk, Client: uint32(client), Deleted: flags&flagDeleted != 0}
		if !e.Deleted {
			valueLen, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			if valueLen > maxValueLen {
				return nil, fmt.Errorf("%w: value length %d", ErrMalformedUpdate, valueLen)
			}
			value, err := r.bytes(valueLen)
			if err != nil {
				return nil, err
			}
			e.Value = append([]byte(nil), value...)
		}
		entries = append(entries, e)
	}
	if r.off != len(update) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, len(update)-r.off)
	}
	return entries, nil
}

// MergeUpdates folds updates into one that has the same effect as applying
// all of them. The merge is commutative, associative and idempotent.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	merged := make(map[string]Entry)
	for _, update := range updates {
		entries, err := DecodeUpdate(update)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if current, ok := merged[e.Key]; !ok || e.newer(current) {
				merged[e.Key] = e
			}
		}
	}
	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	return encodeEntries(out), nil
}
