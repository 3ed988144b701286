package unit

import "fmt"

// maxValueDepth bounds recursion through nested marker values.
const maxValueDepth = 4096

// readMarkerTable walks a marker attribute body value by value. The attribute
// length is never consulted, so every occurrence is consumed in full whether
// or not it was requested.
func (d *Decoder) readMarkerTable(kind ElementKind) error {
	count, err := d.cur.U2()
	if err != nil {
		return fmt.Errorf("reading marker count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		raw, err := d.readMarker(0)
		if err != nil {
			return fmt.Errorf("marker %d: %w", i, err)
		}
		if id, ok := d.markers.lookup(raw); ok && d.emit != nil {
			d.emit(Match{
				TypeName:   d.typeName,
				Kind:       kind,
				MemberName: d.memberName,
				Marker:     id,
				Descriptor: d.descriptor,
			})
		}
	}
	return nil
}

// readMarker consumes one marker occurrence and returns its raw type name.
func (d *Decoder) readMarker(depth int) (string, error) {
	c := d.cur
	raw, err := d.pool.ReadName(c)
	if err != nil {
		return "", fmt.Errorf("resolving marker type: %w", err)
	}
	pairs, err := c.U2()
	if err != nil {
		return "", fmt.Errorf("reading pair count of %s: %w", raw, err)
	}
	for i := 0; i < int(pairs); i++ {
		if err := c.Skip(2); err != nil {
			return "", fmt.Errorf("reading pair name of %s: %w", raw, err)
		}
		if err := d.readValue(depth); err != nil {
			return "", fmt.Errorf("value %d of %s: %w", i, raw, err)
		}
	}
	return raw, nil
}

func (d *Decoder) readValue(depth int) error {
	c := d.cur
	if depth > maxValueDepth {
		return c.Malformed(-1, "marker values nested deeper than %d", maxValueDepth)
	}
	tag, err := c.U1()
	if err != nil {
		return err
	}
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's':
		return c.Skip(2)
	case 'e':
		return c.Skip(4)
	case 'c':
		return c.Skip(2)
	case '@':
		_, err := d.readMarker(depth + 1)
		return err
	case '[':
		n, err := c.U2()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			if err := d.readValue(depth + 1); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.Malformed(int(tag), "unknown marker value tag %q", rune(tag))
	}
}
