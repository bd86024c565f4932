// Package xmlctx converts between the XML context description served by
// IIOD (and stored in .xml files) and interfaces.ContextInfo.
package xmlctx

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

// Header is emitted before the root element. Parsers skip the DTD.
const Header = `<?xml version="1.0" encoding="utf-8"?>` +
	`<!DOCTYPE context [` +
	`<!ELEMENT context (device | context-attribute)*>` +
	`<!ELEMENT context-attribute EMPTY>` +
	`<!ELEMENT device (channel | attribute | debug-attribute | buffer-attribute)*>` +
	`<!ELEMENT channel (scan-element?, attribute*)>` +
	`<!ELEMENT attribute EMPTY>` +
	`<!ELEMENT scan-element EMPTY>` +
	`<!ELEMENT debug-attribute EMPTY>` +
	`<!ELEMENT buffer-attribute EMPTY>` +
	`<!ATTLIST context name CDATA #REQUIRED description CDATA #IMPLIED>` +
	`<!ATTLIST context-attribute name CDATA #REQUIRED value CDATA #REQUIRED>` +
	`<!ATTLIST device id CDATA #REQUIRED name CDATA #IMPLIED label CDATA #IMPLIED>` +
	`<!ATTLIST channel id CDATA #REQUIRED type (input|output) #REQUIRED name CDATA #IMPLIED>` +
	`<!ATTLIST scan-element index CDATA #REQUIRED format CDATA #REQUIRED scale CDATA #IMPLIED>` +
	`<!ATTLIST attribute name CDATA #REQUIRED filename CDATA #IMPLIED>` +
	`<!ATTLIST debug-attribute name CDATA #REQUIRED>` +
	`<!ATTLIST buffer-attribute name CDATA #REQUIRED>` +
	`]>`

type xmlContext struct {
	XMLName      xml.Name     `xml:"context"`
	Name         string       `xml:"name,attr"`
	Description  string       `xml:"description,attr,omitempty"`
	VersionMajor string       `xml:"version-major,attr,omitempty"`
	VersionMinor string       `xml:"version-minor,attr,omitempty"`
	VersionGit   string       `xml:"version-git,attr,omitempty"`
	Attrs        []xmlCtxAttr `xml:"context-attribute"`
	Devices      []xmlDevice  `xml:"device"`
}

type xmlCtxAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlDevice struct {
	ID          string       `xml:"id,attr"`
	Name        string       `xml:"name,attr,omitempty"`
	Label       string       `xml:"label,attr,omitempty"`
	Channels    []xmlChannel `xml:"channel"`
	Attrs       []xmlName    `xml:"attribute"`
	DebugAttrs  []xmlName    `xml:"debug-attribute"`
	BufferAttrs []xmlName    `xml:"buffer-attribute"`
}

type xmlName struct {
	Name string `xml:"name,attr"`
}

type xmlChannel struct {
	ID          string          `xml:"id,attr"`
	Name        string          `xml:"name,attr,omitempty"`
	Type        string          `xml:"type,attr"`
	ScanElement *xmlScanElement `xml:"scan-element"`
	Attrs       []xmlChanAttr   `xml:"attribute"`
}

type xmlScanElement struct {
	Index  string `xml:"index,attr"`
	Format string `xml:"format,attr"`
	Scale  string `xml:"scale,attr,omitempty"`
}

type xmlChanAttr struct {
	Name     string `xml:"name,attr"`
	Filename string `xml:"filename,attr,omitempty"`
}

// Parse decodes an XML context description. It fails with EINVAL on
// malformed input or a root element other than <context>.
func Parse(data []byte) (*interfaces.ContextInfo, error) {
	var x xmlContext

	dec := xml.NewDecoder(bytes.NewReader(bytes.TrimRight(data, "\x00")))
	dec.Strict = false
	if err := dec.Decode(&x); err != nil {
		return nil, unix.EINVAL
	}

	info := &interfaces.ContextInfo{
		Name:        x.Name,
		Description: x.Description,
		Tag:         x.VersionGit,
	}
	if v, err := strconv.ParseUint(x.VersionMajor, 10, 32); err == nil {
		info.Major = uint(v)
	}
	if v, err := strconv.ParseUint(x.VersionMinor, 10, 32); err == nil {
		info.Minor = uint(v)
	}

	for _, a := range x.Attrs {
		info.Attrs = append(info.Attrs, interfaces.ContextAttr{Name: a.Name, Value: a.Value})
	}

	for _, xd := range x.Devices {
		if xd.ID == "" {
			return nil, unix.EINVAL
		}
		dev := interfaces.DeviceInfo{ID: xd.ID, Name: xd.Name, Label: xd.Label}
		for _, a := range xd.Attrs {
			dev.Attrs = append(dev.Attrs, a.Name)
		}
		for _, a := range xd.DebugAttrs {
			dev.DebugAttrs = append(dev.DebugAttrs, a.Name)
		}
		for _, a := range xd.BufferAttrs {
			dev.BufferAttrs = append(dev.BufferAttrs, a.Name)
		}

		for _, xc := range xd.Channels {
			ch, err := parseChannel(xc)
			if err != nil {
				return nil, err
			}
			dev.Channels = append(dev.Channels, ch)
		}
		info.Devices = append(info.Devices, dev)
	}
	return info, nil
}

func parseChannel(xc xmlChannel) (interfaces.ChannelInfo, error) {
	ch := interfaces.ChannelInfo{
		ID:    xc.ID,
		Name:  xc.Name,
		Index: -1,
	}

	switch xc.Type {
	case "output":
		ch.Output = true
	case "input":
	default:
		return ch, unix.EINVAL
	}

	if se := xc.ScanElement; se != nil {
		idx, err := strconv.ParseInt(se.Index, 0, 64)
		if err == nil && idx >= 0 {
			ch.ScanElement = true
			ch.Index = idx
		}
		ch.Format = se.Format
		if se.Scale != "" {
			if s, err := strconv.ParseFloat(se.Scale, 64); err == nil {
				ch.WithScale = true
				ch.Scale = s
			}
		}
	}

	for _, a := range xc.Attrs {
		ch.Attrs = append(ch.Attrs, interfaces.ChannelAttr{Name: a.Name, Filename: a.Filename})
	}
	return ch, nil
}

// Marshal encodes info as an XML context description, header included.
func Marshal(info *interfaces.ContextInfo) ([]byte, error) {
	x := xmlContext{
		Name:        info.Name,
		Description: info.Description,
	}
	if info.Major != 0 || info.Minor != 0 || info.Tag != "" {
		x.VersionMajor = strconv.FormatUint(uint64(info.Major), 10)
		x.VersionMinor = strconv.FormatUint(uint64(info.Minor), 10)
		x.VersionGit = info.Tag
	}

	for _, a := range info.Attrs {
		x.Attrs = append(x.Attrs, xmlCtxAttr{Name: a.Name, Value: a.Value})
	}

	for _, d := range info.Devices {
		xd := xmlDevice{ID: d.ID, Name: d.Name, Label: d.Label}
		for _, c := range d.Channels {
			xd.Channels = append(xd.Channels, marshalChannel(c))
		}
		for _, a := range d.Attrs {
			xd.Attrs = append(xd.Attrs, xmlName{Name: a})
		}
		for _, a := range d.DebugAttrs {
			xd.DebugAttrs = append(xd.DebugAttrs, xmlName{Name: a})
		}
		for _, a := range d.BufferAttrs {
			xd.BufferAttrs = append(xd.BufferAttrs, xmlName{Name: a})
		}
		x.Devices = append(x.Devices, xd)
	}

	var sb strings.Builder
	sb.WriteString(Header)
	if err := xml.NewEncoder(&sb).Encode(&x); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func marshalChannel(c interfaces.ChannelInfo) xmlChannel {
	xc := xmlChannel{ID: c.ID, Name: c.Name, Type: "input"}
	if c.Output {
		xc.Type = "output"
	}

	if c.ScanElement {
		se := &xmlScanElement{
			Index:  strconv.FormatInt(c.Index, 10),
			Format: c.Format,
		}
		if c.WithScale {
			se.Scale = strconv.FormatFloat(c.Scale, 'f', 6, 64)
		}
		xc.ScanElement = se
	}

	for _, a := range c.Attrs {
		xa := xmlChanAttr{Name: a.Name}
		if a.Filename != a.Name {
			xa.Filename = a.Filename
		}
		xc.Attrs = append(xc.Attrs, xa)
	}
	return xc
}
