// Package models contains the remote object types shared by every layer of cmisfs.
package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Well-known CMIS property ids.
const (
	PropName                 = "cmis:name"
	PropObjectID             = "cmis:objectId"
	PropObjectTypeID         = "cmis:objectTypeId"
	PropBaseTypeID           = "cmis:baseTypeId"
	PropPath                 = "cmis:path"
	PropParentID             = "cmis:parentId"
	PropCreationDate         = "cmis:creationDate"
	PropLastModificationDate = "cmis:lastModificationDate"
	PropContentStreamLength  = "cmis:contentStreamLength"
	PropContentStreamMime    = "cmis:contentStreamMimeType"
)

// Base type ids.
const (
	TypeFolder   = "cmis:folder"
	TypeDocument = "cmis:document"
)

// Kind is the filesystem-relevant type of a remote object.
type Kind int

const (
	KindDocument Kind = iota
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "document"
}

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueInt
	ValueDecimal
	ValueBool
	ValueTime
)

// Value is a single typed property value. Multi-valued properties carry
// their items in List and leave the scalar fields zero.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
	Dec  float64
	Bool bool
	Time time.Time
	List []Value
}

func StringValue(s string) Value { return Value{Kind: ValueString, Str: s} }
func IntValue(n int64) Value { return Value{Kind: ValueInt, Int: n} }
func DecimalValue(f float64) Value { return Value{Kind: ValueDecimal, Dec: f} }
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }
func TimeValue(t time.Time) Value { return Value{Kind: ValueTime, Time: t} }
func ListValue(kind ValueKind, items ...Value) Value {
	return Value{Kind: kind, List: items}
}

// IsList reports whether v is multi-valued.
func (v Value) IsList() bool { return v.List != nil }

// String renders the value the way it is exposed through extended attributes.
func (v Value) String() string {
	if v.IsList() {
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return strings.Join(parts, ",")
	}
	switch v.Kind {
	case ValueInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueDecimal:
		return strconv.FormatFloat(v.Dec, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueTime:
		return v.Time.UTC().Format(time.RFC3339Nano)
	default:
		return v.Str
	}
}

// Properties maps property ids to typed values.
type Properties map[string]Value

// Get returns the raw value for id.
func (p Properties) Get(id string) (Value, bool) {
	v, ok := p[id]
	return v, ok
}

// String returns a single-valued string property.
func (p Properties) String(id string) (string, bool) {
	v, ok := p[id]
	if !ok || v.IsList() {
		return "", false
	}
	switch v.Kind {
	case ValueString:
		return v.Str, true
	default:
		return v.String(), true
	}
}

// Int returns a single-valued integer property.
func (p Properties) Int(id string) (int64, bool) {
	v, ok := p[id]
	if !ok || v.IsList() {
		return 0, false
	}
	switch v.Kind {
	case ValueInt:
		return v.Int, true
	case ValueDecimal:
		return int64(v.Dec), true
	}
	return 0, false
}

// Time returns a single-valued datetime property.
func (p Properties) Time(id string) (time.Time, bool) {
	v, ok := p[id]
	if !ok || v.IsList() || v.Kind != ValueTime {
		return time.Time{}, false
	}
	return v.Time, true
}

// Names returns the property ids in sorted order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Object is an immutable snapshot of a remote folder or document.
type Object struct {
	ID         string
	Kind       Kind
	Name       string
	Properties Properties

	// Paths holds every path at which the object is reachable. Folders have
	// exactly one; documents may be filed in several folders.
	Paths []string
}

// IsFolder reports whether the object is a folder.
func (o *Object) IsFolder() bool { return o.Kind == KindFolder }

// Path returns the first known path of the object, or "".
func (o *Object) Path() string {
	if len(o.Paths) == 0 {
		return ""
	}
	return o.Paths[0]
}

// HasPath reports whether p is one of the object's reachable paths.
func (o *Object) HasPath(p string) bool {
	for _, q := range o.Paths {
		if q == p {
			return true
		}
	}
	return false
}

// Size returns the content stream length, 0 when the document has no content.
func (o *Object) Size() int64 {
	n, _ := o.Properties.Int(PropContentStreamLength)
	return n
}

// ModTime returns the last modification date.
func (o *Object) ModTime() time.Time {
	t, _ := o.Properties.Time(PropLastModificationDate)
	return t
}

// CreationTime returns the creation date.
func (o *Object) CreationTime() time.Time {
	t, _ := o.Properties.Time(PropCreationDate)
	return t
}
