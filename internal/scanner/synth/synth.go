// Package synth builds small but well-formed unit files and archives of them.
// Test suites and the load test use it to produce fixtures without a compiler.
package synth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/klauspost/compress/zip"
)

const (
	magic        = 0xCAFEBABE
	majorVersion = 52
)

// Value is one marker element value.
type Value func(p *constPool, w *bytes.Buffer)

// Marker is one marker occurrence.
type Marker struct {
	Type  string
	Pairs []Pair
}

type Pair struct {
	Name  string
	Value Value
}

// M builds a marker from a dotted, slash or descriptor type name.
func M(name string, pairs ...Pair) Marker {
	return Marker{Type: descriptor(name), Pairs: pairs}
}

// P names a marker element value.
func P(name string, v Value) Pair {
	return Pair{Name: name, Value: v}
}

func Int(v int32) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('I')
		writeU2(w, p.integer(v))
	}
}

func Long(v int64) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('J')
		writeU2(w, p.long(v))
	}
}

func Bool(v bool) Value {
	return func(p *constPool, w *bytes.Buffer) {
		n := int32(0)
		if v {
			n = 1
		}
		w.WriteByte('Z')
		writeU2(w, p.integer(n))
	}
}

func Str(s string) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('s')
		writeU2(w, p.utf8(s))
	}
}

func Enum(typeName, constant string) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('e')
		writeU2(w, p.utf8(descriptor(typeName)))
		writeU2(w, p.utf8(constant))
	}
}

func Class(typeName string) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('c')
		writeU2(w, p.utf8(descriptor(typeName)))
	}
}

func Nested(m Marker) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('@')
		writeMarker(p, w, m)
	}
}

func Array(values ...Value) Value {
	return func(p *constPool, w *bytes.Buffer) {
		w.WriteByte('[')
		writeU2(w, uint16(len(values)))
		for _, v := range values {
			v(p, w)
		}
	}
}

// Raw writes tag and payload verbatim, for producing invalid values.
func Raw(tag byte, payload ...byte) Value {
	return func(_ *constPool, w *bytes.Buffer) {
		w.WriteByte(tag)
		w.Write(payload)
	}
}

type attribute struct {
	name string
	body []byte
}

type member struct {
	name      string
	desc      string
	visible   []Marker
	invisible []Marker
}

// Unit describes one unit file.
type Unit struct {
	name       string
	super      string
	interfaces []string
	fields     []member
	methods    []member
	visible    []Marker
	invisible  []Marker
	attrs      []attribute
	longs      []int64
}

// NewUnit starts a unit with the given dotted or slash type name.
func NewUnit(name string) *Unit {
	return &Unit{name: internalName(name), super: "java/lang/Object"}
}

// Mark attaches visible type-level markers.
func (u *Unit) Mark(markers ...Marker) *Unit {
	u.visible = append(u.visible, markers...)
	return u
}

// MarkInvisible attaches type-level markers with class retention.
func (u *Unit) MarkInvisible(markers ...Marker) *Unit {
	u.invisible = append(u.invisible, markers...)
	return u
}

func (u *Unit) Implements(names ...string) *Unit {
	for _, n := range names {
		u.interfaces = append(u.interfaces, internalName(n))
	}
	return u
}

func (u *Unit) Field(name, desc string, markers ...Marker) *Unit {
	u.fields = append(u.fields, member{name: name, desc: desc, visible: markers})
	return u
}

func (u *Unit) Method(name, desc string, markers ...Marker) *Unit {
	u.methods = append(u.methods, member{name: name, desc: desc, visible: markers})
	return u
}

// MethodInvisible adds a method whose markers have class retention.
func (u *Unit) MethodInvisible(name, desc string, markers ...Marker) *Unit {
	u.methods = append(u.methods, member{name: name, desc: desc, invisible: markers})
	return u
}

func (u *Unit) Constructor(desc string, markers ...Marker) *Unit {
	return u.Method("<init>", desc, markers...)
}

// Attribute adds an arbitrary type-level attribute.
func (u *Unit) Attribute(name string, body []byte) *Unit {
	u.attrs = append(u.attrs, attribute{name: name, body: body})
	return u
}

// LongConstant places an 8-byte constant, which occupies two pool slots, at
// the start of the pool.
func (u *Unit) LongConstant(v int64) *Unit {
	u.longs = append(u.longs, v)
	return u
}

// Bytes encodes the unit.
func (u *Unit) Bytes() []byte {
	p := newConstPool()
	for _, v := range u.longs {
		p.long(v)
	}
	var body bytes.Buffer
	writeU2(&body, 0x0021)
	writeU2(&body, p.class(u.name))
	writeU2(&body, p.class(u.super))
	writeU2(&body, uint16(len(u.interfaces)))
	for _, i := range u.interfaces {
		writeU2(&body, p.class(i))
	}
	writeU2(&body, uint16(len(u.fields)))
	for _, f := range u.fields {
		writeMember(p, &body, f, nil)
	}
	code := attribute{name: "Code", body: []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0xB1, 0x00, 0x00, 0x00, 0x00}}
	writeU2(&body, uint16(len(u.methods)))
	for _, m := range u.methods {
		writeMember(p, &body, m, []attribute{code})
	}
	writeAttributes(p, &body, u.visible, u.invisible, append([]attribute{{name: "SourceFile", body: []byte{0, 0}}}, u.attrs...))

	var out bytes.Buffer
	writeU4(&out, magic)
	writeU2(&out, 0)
	writeU2(&out, majorVersion)
	p.writeTo(&out)
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeMember(p *constPool, w *bytes.Buffer, m member, extra []attribute) {
	writeU2(w, 0x0001)
	writeU2(w, p.utf8(m.name))
	writeU2(w, p.utf8(m.desc))
	writeAttributes(p, w, m.visible, m.invisible, extra)
}

func writeAttributes(p *constPool, w *bytes.Buffer, visible, invisible []Marker, extra []attribute) {
	var attrs []attribute
	attrs = append(attrs, extra...)
	if len(visible) > 0 {
		attrs = append(attrs, attribute{name: "RuntimeVisibleAnnotations", body: markerTable(p, visible)})
	}
	if len(invisible) > 0 {
		attrs = append(attrs, attribute{name: "RuntimeInvisibleAnnotations", body: markerTable(p, invisible)})
	}
	writeU2(w, uint16(len(attrs)))
	for _, a := range attrs {
		writeU2(w, p.utf8(a.name))
		writeU4(w, uint32(len(a.body)))
		w.Write(a.body)
	}
}

func markerTable(p *constPool, markers []Marker) []byte {
	var w bytes.Buffer
	writeU2(&w, uint16(len(markers)))
	for _, m := range markers {
		writeMarker(p, &w, m)
	}
	return w.Bytes()
}

func writeMarker(p *constPool, w *bytes.Buffer, m Marker) {
	writeU2(w, p.utf8(m.Type))
	writeU2(w, uint16(len(m.Pairs)))
	for _, pair := range m.Pairs {
		writeU2(w, p.utf8(pair.Name))
		pair.Value(p, w)
	}
}

type constPool struct {
	entries bytes.Buffer
	next    uint16
	texts   map[string]uint16
	classes map[string]uint16
}

func newConstPool() *constPool {
	return &constPool{next: 1, texts: map[string]uint16{}, classes: map[string]uint16{}}
}

func (p *constPool) utf8(s string) uint16 {
	if idx, ok := p.texts[s]; ok {
		return idx
	}
	enc := encodeModifiedUTF8(s)
	p.entries.WriteByte(1)
	writeU2(&p.entries, uint16(len(enc)))
	p.entries.Write(enc)
	idx := p.next
	p.next++
	p.texts[s] = idx
	return idx
}

func (p *constPool) class(name string) uint16 {
	if idx, ok := p.classes[name]; ok {
		return idx
	}
	text := p.utf8(name)
	p.entries.WriteByte(7)
	writeU2(&p.entries, text)
	idx := p.next
	p.next++
	p.classes[name] = idx
	return idx
}

func (p *constPool) integer(v int32) uint16 {
	p.entries.WriteByte(3)
	writeU4(&p.entries, uint32(v))
	idx := p.next
	p.next++
	return idx
}

func (p *constPool) long(v int64) uint16 {
	p.entries.WriteByte(5)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	p.entries.Write(b[:])
	idx := p.next
	p.next += 2
	return idx
}

func (p *constPool) writeTo(w *bytes.Buffer) {
	writeU2(w, p.next)
	w.Write(p.entries.Bytes())
}

func writeU2(w *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU4(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func encodeModifiedUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, u := range utf16.Encode([]rune(s)) {
		switch {
		case u != 0 && u < 0x80:
			out = append(out, byte(u))
		case u < 0x800:
			out = append(out, byte(0xC0|u>>6), byte(0x80|u&0x3F))
		default:
			out = append(out, byte(0xE0|u>>12), byte(0x80|(u>>6)&0x3F), byte(0x80|u&0x3F))
		}
	}
	return out
}

func internalName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

func descriptor(name string) string {
	if strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";") {
		return name
	}
	return "L" + internalName(name) + ";"
}

// Entry is one file of a synthetic tree or archive.
type Entry struct {
	Name string
	Data []byte
}

// UnitEntry places u at its package path.
func UnitEntry(u *Unit) Entry {
	return Entry{Name: u.name + ".class", Data: u.Bytes()}
}

// WriteArchive writes entries as a zip archive in the given order.
func WriteArchive(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		f, err := zw.Create(e.Name)
		if err != nil {
			return fmt.Errorf("creating archive entry %s: %w", e.Name, err)
		}
		if _, err := f.Write(e.Data); err != nil {
			return fmt.Errorf("writing archive entry %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}

// WriteArchiveFile writes entries as a zip archive at path.
func WriteArchiveFile(path string, entries []Entry) error {
	var buf bytes.Buffer
	if err := WriteArchive(&buf, entries); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// WriteTree writes entries as files below root.
func WriteTree(root string, entries []Entry) error {
	for _, e := range entries {
		path := filepath.Join(root, filepath.FromSlash(e.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", e.Name, err)
		}
		if err := os.WriteFile(path, e.Data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", e.Name, err)
		}
	}
	return nil
}
