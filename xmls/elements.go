// Package xmls reads element schema tables from XML.
package xmls

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/pkg/errors"

	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/paths"
)

type Elements struct {
	xml.Name  `xml:"elements"`
	Interface string    `xml:"interface,attr"`
	Element   []Element `xml:"element"`
}

type Element struct {
	ID     string `xml:"id,attr"`
	Name   string `xml:"name,attr"`
	Length string `xml:"length,attr"`
	Size   int    `xml:"size,attr"`
	Reply  bool   `xml:"reply,attr"`
}

// Opcode parses the id attribute, which may be decimal or 0x-prefixed hex.
func (e *Element) Opcode() (uint8, error) {
	op, err := strconv.ParseUint(e.ID, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "element %q: bad id %q", e.Name, e.ID)
	}
	return uint8(op), nil
}

// Schema converts the length attributes.
func (e *Element) Schema() (bwnet.Schema, error) {
	kind, err := bwnet.ParseLengthKind(e.Length)
	if err != nil {
		return bwnet.Schema{}, errors.Wrapf(err, "element %q", e.Name)
	}
	s := bwnet.Schema{Kind: kind, Size: e.Size, Reply: e.Reply}
	if kind != bwnet.KindFixed && e.Size != 0 {
		return bwnet.Schema{}, errors.Errorf("element %q: size given for %v length", e.Name, kind)
	}
	return s, nil
}

func ReadElements(r io.Reader) (Elements, error) {
	dec := xml.NewDecoder(r)
	elements := Elements{}
	if err := dec.Decode(&elements); err != nil {
		return elements, err
	}
	return elements, nil
}

// Table builds a schema table holding every element. Duplicate opcodes are an
// error.
func (es *Elements) Table() (*bwnet.SchemaTable, error) {
	t := bwnet.NewSchemaTable()
	seen := map[uint8]string{}
	for i := range es.Element {
		e := &es.Element[i]
		op, err := e.Opcode()
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[op]; ok {
			return nil, errors.Errorf("opcode 0x%02x used by both %q and %q", op, prev, e.Name)
		}
		seen[op] = e.Name
		s, err := e.Schema()
		if err != nil {
			return nil, err
		}
		if err := t.Register(op, s); err != nil {
			return nil, errors.Wrapf(err, "element %q", e.Name)
		}
	}
	return t, nil
}

// Names maps opcodes to element names, including the reserved ones.
func (es *Elements) Names() map[uint8]string {
	names := map[uint8]string{
		bwnet.ReplyOpcode:        "reply",
		bwnet.HandshakeOpcode:    "handshake",
		bwnet.HandshakeAckOpcode: "handshake_ack",
	}
	for i := range es.Element {
		if op, err := es.Element[i].Opcode(); err == nil {
			names[op] = es.Element[i].Name
		}
	}
	return names
}

// ReadSchemaTable reads an elements file and builds its table.
func ReadSchemaTable(r io.Reader) (*bwnet.SchemaTable, map[uint8]string, error) {
	es, err := ReadElements(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing elements xml")
	}
	t, err := es.Table()
	if err != nil {
		return nil, nil, err
	}
	return t, es.Names(), nil
}

// OpenSchemaTable opens name with o and reads its table.
func OpenSchemaTable(o paths.Opener, name string) (*bwnet.SchemaTable, map[uint8]string, error) {
	f, err := o.Open(name)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadSchemaTable(f)
}
