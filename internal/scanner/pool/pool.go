// Package pool decodes the constant pool of a unit file. Only text entries and
// the class/string entries that point at them are retained; everything else
// is skipped by its fixed width.
package pool

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/cursor"
)

// Constant pool tags.
const (
	TagUTF8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldRef           = 9
	TagMethodRef          = 10
	TagInterfaceMethodRef = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagInvokeDynamic      = 18
)

type slotKind uint8

const (
	slotEmpty slotKind = iota
	slotText
	slotRef
)

type slot struct {
	kind slotKind
	text string
	ref  uint16
}

// Table holds the slots of one unit's pool. Slot 0 is never valid; the slot
// after a long or double is always empty.
type Table struct {
	slots []slot
}

// Read decodes a pool from c, discarding whatever the table held before.
func (t *Table) Read(c *cursor.Cursor) error {
	count, err := c.U2()
	if err != nil {
		return fmt.Errorf("reading pool count: %w", err)
	}
	if cap(t.slots) < int(count) {
		t.slots = make([]slot, count)
	} else {
		t.slots = t.slots[:count]
		clear(t.slots)
	}
	for i := 1; i < int(count); i++ {
		tag, err := c.U1()
		if err != nil {
			return fmt.Errorf("reading pool entry %d: %w", i, err)
		}
		switch tag {
		case TagUTF8:
			s, err := c.UTF()
			if err != nil {
				return fmt.Errorf("reading pool entry %d: %w", i, err)
			}
			t.slots[i] = slot{kind: slotText, text: s}
		case TagInteger, TagFloat:
			err = c.Skip(4)
		case TagLong, TagDouble:
			err = c.Skip(8)
			i++
		case TagClass, TagString:
			var ref uint16
			ref, err = c.U2()
			t.slots[i] = slot{kind: slotRef, ref: ref}
		case TagFieldRef, TagMethodRef, TagInterfaceMethodRef, TagNameAndType, TagInvokeDynamic:
			err = c.Skip(4)
		case TagMethodHandle:
			err = c.Skip(3)
		case TagMethodType:
			err = c.Skip(2)
		default:
			return c.Malformed(int(tag), "unknown pool tag at entry %d", i)
		}
		if err != nil {
			return fmt.Errorf("reading pool entry %d: %w", i, err)
		}
	}
	return nil
}

func (t *Table) Len() int {
	return len(t.slots)
}

// Resolve returns the text at index, following at most one class or string
// indirection. Indexes that hold no text, including the second half of a
// long or double, fail with a FormatError.
func (t *Table) Resolve(index uint16) (string, error) {
	s, err := t.lookup(index)
	if err != nil {
		return "", err
	}
	switch s.kind {
	case slotText:
		return s.text, nil
	case slotRef:
		target, err := t.lookup(s.ref)
		if err != nil {
			return "", err
		}
		if target.kind != slotText {
			return "", slotError(s.ref, "indirect target is not text")
		}
		return target.text, nil
	default:
		return "", slotError(index, "slot holds no text")
	}
}

func (t *Table) lookup(index uint16) (slot, error) {
	if index == 0 || int(index) >= len(t.slots) {
		return slot{}, slotError(index, fmt.Sprintf("index out of range [1,%d)", len(t.slots)))
	}
	return t.slots[index], nil
}

func slotError(index uint16, msg string) error {
	return &cursor.FormatError{Offset: -1, Tag: -1, Msg: fmt.Sprintf("pool index %d: %s", index, msg)}
}

// ReadName reads a u2 pool index from c and resolves it.
func (t *Table) ReadName(c *cursor.Cursor) (string, error) {
	index, err := c.U2()
	if err != nil {
		return "", err
	}
	return t.Resolve(index)
}
