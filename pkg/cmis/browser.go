package cmis

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Browser binding wire types.

type jsonRepositoryInfo struct {
	RepositoryID          string `json:"repositoryId"`
	RepositoryName        string `json:"repositoryName"`
	RepositoryDescription string `json:"repositoryDescription"`
	VendorName            string `json:"vendorName"`
	ProductName           string `json:"productName"`
	ProductVersion        string `json:"productVersion"`
	RootFolderID          string `json:"rootFolderId"`
	RepositoryURL         string `json:"repositoryUrl"`
	RootFolderURL         string `json:"rootFolderUrl"`
	CMISVersionSupported  string `json:"cmisVersionSupported"`
}

type jsonProperty struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Cardinality string          `json:"cardinality"`
	Value       json.RawMessage `json:"value"`
}

type jsonObject struct {
	Properties map[string]jsonProperty `json:"properties"`
}

type jsonChild struct {
	Object      jsonObject `json:"object"`
	PathSegment string     `json:"pathSegment"`
}

type jsonChildren struct {
	Objects      []jsonChild `json:"objects"`
	HasMoreItems bool        `json:"hasMoreItems"`
	NumItems     int64       `json:"numItems"`
}

type jsonParent struct {
	Object              jsonObject `json:"object"`
	RelativePathSegment string     `json:"relativePathSegment"`
}

type jsonException struct {
	Exception string `json:"exception"`
	Message   string `json:"message"`
}

// RepositoryInfo describes the repository selected by the client.
type RepositoryInfo struct {
	ID             string
	Name           string
	Description    string
	VendorName     string
	ProductName    string
	ProductVersion string
	CMISVersion    string
	RootFolderID   string
	RepositoryURL  string
	RootFolderURL  string
}

func (j jsonRepositoryInfo) toInfo() *RepositoryInfo {
	return &RepositoryInfo{
		ID:             j.RepositoryID,
		Name:           j.RepositoryName,
		Description:    j.RepositoryDescription,
		VendorName:     j.VendorName,
		ProductName:    j.ProductName,
		ProductVersion: j.ProductVersion,
		CMISVersion:    j.CMISVersionSupported,
		RootFolderID:   j.RootFolderID,
		RepositoryURL:  j.RepositoryURL,
		RootFolderURL:  j.RootFolderURL,
	}
}

func decodeProperties(in map[string]jsonProperty) models.Properties {
	props := make(models.Properties, len(in))
	for id, p := range in {
		if p.ID != "" {
			id = p.ID
		}
		if v, ok := decodeValue(p.Type, p.Value); ok {
			props[id] = v
		}
	}
	return props
}

func valueKind(typ string) models.ValueKind {
	switch typ {
	case "integer":
		return models.ValueInt
	case "decimal":
		return models.ValueDecimal
	case "boolean":
		return models.ValueBool
	case "datetime":
		return models.ValueTime
	default:
		return models.ValueString
	}
}

func decodeValue(typ string, raw json.RawMessage) (models.Value, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.Value{}, false
	}
	kind := valueKind(typ)

	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return models.Value{}, false
		}
		list := make([]models.Value, 0, len(items))
		for _, item := range items {
			if v, ok := decodeScalar(kind, item); ok {
				list = append(list, v)
			}
		}
		return models.Value{Kind: kind, List: list}, true
	}
	return decodeScalar(kind, raw)
}

func decodeScalar(kind models.ValueKind, raw json.RawMessage) (models.Value, bool) {
	switch kind {
	case models.ValueInt:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return models.Value{}, false
		}
		if i, err := n.Int64(); err == nil {
			return models.IntValue(i), true
		}
		f, err := n.Float64()
		if err != nil {
			return models.Value{}, false
		}
		return models.IntValue(int64(f)), true
	case models.ValueDecimal:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return models.Value{}, false
		}
		return models.DecimalValue(f), true
	case models.ValueBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return models.Value{}, false
		}
		return models.BoolValue(b), true
	case models.ValueTime:
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return models.Value{}, false
		}
		return models.TimeValue(time.UnixMilli(ms).UTC()), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return models.StringValue(s), true
}

// toObject converts a wire object. parentPath and segment, when known,
// give the path at which the object was reached.
func (j jsonObject) toObject(parentPath, segment string) *models.Object {
	props := decodeProperties(j.Properties)
	obj := &models.Object{Properties: props, Kind: models.KindDocument}
	obj.ID, _ = props.String(models.PropObjectID)
	obj.Name, _ = props.String(models.PropName)
	if base, _ := props.String(models.PropBaseTypeID); base == models.TypeFolder {
		obj.Kind = models.KindFolder
	}

	if p, ok := props.String(models.PropPath); ok && obj.IsFolder() {
		obj.Paths = []string{tree.Clean(p)}
		return obj
	}
	if parentPath != "" {
		if segment == "" {
			segment = obj.Name
		}
		obj.Paths = []string{tree.BuildChildPath(parentPath, segment)}
	}
	return obj
}

// encodeValue renders a property value as a browser binding form value.
func encodeValue(v models.Value) []string {
	if v.IsList() {
		out := make([]string, 0, len(v.List))
		for _, item := range v.List {
			out = append(out, encodeValue(item)...)
		}
		return out
	}
	if v.Kind == models.ValueTime {
		return []string{strconv.FormatInt(v.Time.UnixMilli(), 10)}
	}
	return []string{v.String()}
}
