// Package unit decodes unit files just far enough to find marker attributes on
// the type, its fields, methods and constructors. Bodies, signatures and every
// other attribute are skipped by length.
package unit

import (
	"fmt"
	"io"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/cursor"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/pool"
)

// Magic is the first u4 of every unit file.
const Magic uint32 = 0xCAFEBABE

const (
	visibleMarkersAttr   = "RuntimeVisibleAnnotations"
	invisibleMarkersAttr = "RuntimeInvisibleAnnotations"
)

// EmitFunc receives matches as they are found.
type EmitFunc func(Match)

// Decoder holds the per-scan mutable state: the cursor, the pool of the unit
// being decoded and the element currently being visited. A Decoder is not safe
// for concurrent use.
type Decoder struct {
	cur     *cursor.Cursor
	pool    pool.Table
	markers MarkerSet
	kinds   KindSet
	emit    EmitFunc

	typeName   string
	memberName string
	descriptor string
	minor      uint16
	major      uint16
}

func NewDecoder(markers MarkerSet, kinds KindSet) *Decoder {
	return &Decoder{
		cur:     cursor.New(),
		markers: markers,
		kinds:   kinds,
	}
}

// ReadFrom loads the next unit's bytes into the decoder's reusable buffer.
func (d *Decoder) ReadFrom(r io.Reader) (int64, error) {
	return d.cur.ReadFrom(r)
}

// Load points the decoder at b without copying.
func (d *Decoder) Load(b []byte) {
	d.cur.Load(b)
}

// IsUnit reports whether the loaded bytes start with the unit magic.
func (d *Decoder) IsUnit() bool {
	if d.cur.Size() <= 4 {
		return false
	}
	magic, _ := d.cur.PeekU4(0)
	return magic == Magic
}

// Version returns the major and minor version of the last decoded unit.
func (d *Decoder) Version() (major, minor uint16) {
	return d.major, d.minor
}

// TypeName returns the dotted name of the last unit whose header was decoded.
func (d *Decoder) TypeName() string {
	return d.typeName
}

// Decode walks the loaded unit and calls emit for every requested marker on a
// requested element kind. It returns false without error when the bytes are
// not a unit. On error, matches emitted before the failure stand.
func (d *Decoder) Decode(emit EmitFunc) (bool, error) {
	d.typeName, d.memberName, d.descriptor = "", "", ""
	d.major, d.minor = 0, 0
	if !d.IsUnit() {
		return false, nil
	}
	d.emit = emit
	defer func() { d.emit = nil }()
	if err := d.decode(); err != nil {
		return true, err
	}
	return true, nil
}

func (d *Decoder) decode() error {
	c := d.cur
	if err := c.Skip(4); err != nil {
		return err
	}
	var err error
	if d.minor, err = c.U2(); err != nil {
		return fmt.Errorf("reading minor version: %w", err)
	}
	if d.major, err = c.U2(); err != nil {
		return fmt.Errorf("reading major version: %w", err)
	}
	if err := d.pool.Read(c); err != nil {
		return err
	}
	if err := c.Skip(2); err != nil {
		return fmt.Errorf("reading access flags: %w", err)
	}
	name, err := d.pool.ReadName(c)
	if err != nil {
		return fmt.Errorf("resolving type name: %w", err)
	}
	d.typeName = ExternalTypeName(name)
	if err := c.Skip(2); err != nil {
		return fmt.Errorf("reading super type: %w", err)
	}
	interfaces, err := c.U2()
	if err != nil {
		return fmt.Errorf("reading interface count: %w", err)
	}
	if err := c.Skip(2 * int(interfaces)); err != nil {
		return fmt.Errorf("reading interfaces: %w", err)
	}
	if err := d.readFields(); err != nil {
		return err
	}
	if err := d.readMethods(); err != nil {
		return err
	}
	d.memberName = TypeMemberName
	d.descriptor = ""
	if err := d.readAttributes(KindType); err != nil {
		return fmt.Errorf("type %s: %w", d.typeName, err)
	}
	return nil
}

func (d *Decoder) readFields() error {
	c := d.cur
	count, err := c.U2()
	if err != nil {
		return fmt.Errorf("reading field count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		if err := c.Skip(2); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		if d.memberName, err = d.pool.ReadName(c); err != nil {
			return fmt.Errorf("field %d name: %w", i, err)
		}
		if err := c.Skip(2); err != nil {
			return fmt.Errorf("field %s: %w", d.memberName, err)
		}
		d.descriptor = ""
		if err := d.readAttributes(KindField); err != nil {
			return fmt.Errorf("field %s: %w", d.memberName, err)
		}
	}
	return nil
}

func (d *Decoder) readMethods() error {
	c := d.cur
	count, err := c.U2()
	if err != nil {
		return fmt.Errorf("reading method count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		if err := c.Skip(2); err != nil {
			return fmt.Errorf("method %d: %w", i, err)
		}
		if d.memberName, err = d.pool.ReadName(c); err != nil {
			return fmt.Errorf("method %d name: %w", i, err)
		}
		if d.descriptor, err = d.pool.ReadName(c); err != nil {
			return fmt.Errorf("method %s descriptor: %w", d.memberName, err)
		}
		kind := KindMethod
		if d.memberName == ConstructorName {
			kind = KindConstructor
		}
		if err := d.readAttributes(kind); err != nil {
			return fmt.Errorf("method %s: %w", d.memberName, err)
		}
	}
	return nil
}

func (d *Decoder) readAttributes(kind ElementKind) error {
	c := d.cur
	count, err := c.U2()
	if err != nil {
		return fmt.Errorf("reading attribute count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		name, err := d.pool.ReadName(c)
		if err != nil {
			return fmt.Errorf("attribute %d name: %w", i, err)
		}
		length, err := c.U4()
		if err != nil {
			return fmt.Errorf("attribute %s length: %w", name, err)
		}
		if d.kinds.Has(kind) && (name == visibleMarkersAttr || name == invisibleMarkersAttr) {
			if err := d.readMarkerTable(kind); err != nil {
				return fmt.Errorf("attribute %s: %w", name, err)
			}
			continue
		}
		if uint64(length) > uint64(c.Remaining()) {
			return fmt.Errorf("attribute %s: %w: length %d exceeds %d remaining bytes",
				name, cursor.ErrEndOfData, length, c.Remaining())
		}
		if err := c.Skip(int(length)); err != nil {
			return fmt.Errorf("attribute %s: %w", name, err)
		}
	}
	return nil
}
