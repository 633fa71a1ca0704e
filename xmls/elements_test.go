package xmls

import (
	"io"
	"strings"
	"testing"

	"badc0de.net/pkg/go-bigworld/datafiles"
	bwnet "badc0de.net/pkg/go-bigworld/net"
	"badc0de.net/pkg/go-bigworld/paths"
	"badc0de.net/pkg/go-bigworld/ttesting"
)

func TestEmbeddedElements(t *testing.T) {
	f, err := datafiles.Open("elements.xml")
	if err != nil {
		t.Fatalf("failed to open file: %s", err)
	}
	defer f.Close()

	table, names, err := ReadSchemaTable(f)
	if err != nil {
		t.Fatalf("failed to parse elements: %s", err)
	}
	s, ok := table.Lookup(0x02)
	if !ok {
		t.Fatalf("ping not registered")
	}
	ttesting.AssertEqualString(t, "ping name", names[0x02], "ping")
	ttesting.AssertEqualString(t, "ping schema", s.String(), "fixed(1)")

	s, _ = table.Lookup(0x00)
	if !s.Reply {
		t.Errorf("login_request is not reply-bearing")
	}
}

func TestReadSchemaTableErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"bad id":      `<elements><element id="0x100" name="a" length="var1"/></elements>`,
		"bad length":  `<elements><element id="1" name="a" length="var9"/></elements>`,
		"duplicate":   `<elements><element id="1" name="a" length="var1"/><element id="0x01" name="b" length="var1"/></elements>`,
		"reserved":    `<elements><element id="0xff" name="a" length="var1"/></elements>`,
		"size on var": `<elements><element id="1" name="a" length="var1" size="3"/></elements>`,
		"not xml":     `elements`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ReadSchemaTable(strings.NewReader(doc)); err == nil {
				t.Errorf("got no error")
			}
		})
	}
}

func TestElementSchema(t *testing.T) {
	e := Element{ID: "7", Name: "x", Length: "fixed", Size: 12, Reply: true}
	s, err := e.Schema()
	if err != nil {
		t.Fatal(err)
	}
	if s != bwnet.Fixed(12).WithReply() {
		t.Errorf("got %v; want fixed(12)+reply", s)
	}
}

func TestOpenSchemaTable(t *testing.T) {
	embedded := paths.OpenerFunc(func(name string) (paths.File, error) {
		return datafiles.Open(name)
	})
	_, names, err := OpenSchemaTable(embedded, "elements.xml")
	if err != nil {
		t.Fatalf("failed to open elements: %s", err)
	}
	ttesting.AssertEqualString(t, "chat name", names[0x10], "chat")

	missing := paths.OpenerFunc(func(name string) (paths.File, error) {
		return nil, io.ErrUnexpectedEOF
	})
	if _, _, err := OpenSchemaTable(missing, "elements.xml"); err == nil {
		t.Errorf("loaded a schema from a failing opener")
	}
}
