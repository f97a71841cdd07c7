package store

import (
	"encoding/binary"
	"fmt"

	"lsmkit/pkg/txn"
	"lsmkit/pkg/wal"
)

// record turns a mutation into its journal form. Payload fields are little
// endian, strings and byte slices are length prefixed.
func record(m txn.TxnMutation) (wal.Record, error) {
	var p []byte

	switch mut := m.Mutation.(type) {
	case txn.ObjectStore:
		p = append(p, byte(mut.Op))
		p = binary.LittleEndian.AppendUint64(p, mut.Item.Key.ObjectID)
		p = binary.LittleEndian.AppendUint64(p, mut.Item.Key.AttributeID)
		if mut.Item.Value.Deleted {
			p = append(p, 1)
		} else {
			p = append(p, 0)
		}
		p = binary.AppendUvarint(p, uint64(len(mut.Item.Value.Data)))
		p = append(p, mut.Item.Value.Data...)
	case txn.StoreInfo:
		p = binary.LittleEndian.AppendUint64(p, mut.ObjectCount)
		p = binary.LittleEndian.AppendUint64(p, mut.LastObjectID)
	case txn.Allocator:
		p = binary.LittleEndian.AppendUint64(p, mut.Item.Key.Start)
		p = binary.LittleEndian.AppendUint64(p, mut.Item.Key.End)
		p = binary.AppendVarint(p, mut.Item.Value.Refs)
	case txn.AllocatorRef:
		p = binary.LittleEndian.AppendUint64(p, mut.Range.Start)
		p = binary.LittleEndian.AppendUint64(p, mut.Range.End)
	case txn.TreeSeal:
		p = append(p, byte(mut.Tree))
	case txn.TreeCompact:
		p = append(p, byte(mut.Tree))
	case txn.UpdateAllocatedBytes:
		p = binary.AppendVarint(p, mut.Delta)
	default:
		return wal.Record{}, fmt.Errorf("unknown mutation %T", m.Mutation)
	}

	return wal.Record{
		ObjectID: m.ObjectID,
		Kind:     uint8(m.Mutation.Kind()),
		Payload:  p,
	}, nil
}

func journalEntry(seq uint64, t *txn.Transaction) (wal.Entry, error) {
	entry := wal.Entry{
		SeqNum:  seq,
		TxnID:   t.ID(),
		Records: make([]wal.Record, 0, len(t.Mutations())),
	}
	for _, m := range t.Mutations() {
		r, err := record(m)
		if err != nil {
			return entry, err
		}
		entry.Records = append(entry.Records, r)
	}
	return entry, nil
}
