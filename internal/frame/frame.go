// Package frame implements the two wire framings the middleware speaks:
// closing-tag delimited XML documents on the controller link and
// newline-terminated JSON objects on the POS link.
package frame

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// Root element names accepted from the controller link.
const (
	RootNotification = "notification"
	RootStatusChange = "statusChange"
	RootAlarm        = "alarm"
)

var closingMarkers = [][]byte{
	[]byte("</" + RootNotification + ">"),
	[]byte("</" + RootStatusChange + ">"),
	[]byte("</" + RootAlarm + ">"),
}

// Document is one complete XML document cut out of the controller stream.
type Document struct {
	Root string
	Raw  []byte
}

// xmlProbe checks well-formedness without caring about the payload shape.
type xmlProbe struct {
	XMLName xml.Name
	Content []byte `xml:",innerxml"`
}

// ExtractDocument scans buf for the earliest complete document and returns it
// together with the number of bytes consumed from the front of buf. A buffer
// that holds a closing marker whose prefix does not parse as XML yet is
// treated as incomplete: successive markers are tried, and if none yields a
// well-formed document the buffer is left untouched for the next read.
// Invalid UTF-8 byte sequences are replaced before parsing, so a document
// with stray controller bytes still frames correctly.
func ExtractDocument(buf []byte) (Document, int, bool) {
	searchFrom := 0
	for {
		end := nextMarkerEnd(buf, searchFrom)
		if end < 0 {
			return Document{}, 0, false
		}

		candidate := bytes.ToValidUTF8(buf[:end], []byte("�"))
		var probe xmlProbe
		if err := xml.Unmarshal(candidate, &probe); err == nil && recognizedRoot(probe.XMLName.Local) {
			doc := Document{
				Root: probe.XMLName.Local,
				Raw:  bytes.TrimSpace(candidate),
			}
			return doc, end, true
		}

		// Not a document boundary after all. Keep looking past this marker.
		searchFrom = end
	}
}

// nextMarkerEnd returns the end offset of the earliest closing marker at or
// after from, or -1 when no marker is present.
func nextMarkerEnd(buf []byte, from int) int {
	best := -1
	for _, marker := range closingMarkers {
		idx := bytes.Index(buf[from:], marker)
		if idx < 0 {
			continue
		}
		end := from + idx + len(marker)
		if best < 0 || end < best {
			best = end
		}
	}
	return best
}

func recognizedRoot(name string) bool {
	switch name {
	case RootNotification, RootStatusChange, RootAlarm:
		return true
	}
	return false
}

// EncodeLine marshals v and appends the line terminator used on the POS link.
func EncodeLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode line frame: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one line frame, tolerating a trailing CR from peers that
// terminate with CRLF.
func DecodeLine(line []byte, v interface{}) error {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return fmt.Errorf("empty line frame")
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("failed to decode line frame: %w", err)
	}
	return nil
}
