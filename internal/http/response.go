package http

import (
	"lsmkit/pkg/allocator"
	"lsmkit/pkg/object"
)

type Status string

const (
	StatusOK      Status = "OK" // health only
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the JSON envelope of every endpoint. Fields that do not apply
// to an endpoint are left out.
type Response struct {
	Status     Status      `json:"status,omitempty"`
	Seq        uint64      `json:"seq,omitempty"`
	ObjectID   uint64      `json:"object_id,omitempty"`
	Value      string      `json:"value,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
	Extents    []Extent    `json:"extents,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type Attribute struct {
	ID    uint64 `json:"id"`
	Value string `json:"value"`
}

type Extent struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Refs  int64  `json:"refs,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewCommitResponse(seq uint64) Response {
	return Response{Status: StatusSuccess, Seq: seq}
}

func NewObjectResponse(id uint64) Response {
	return Response{Status: StatusSuccess, ObjectID: id}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewScanResponse(objectID uint64, items []object.Item) Response {
	attrs := make([]Attribute, 0, len(items))
	for _, item := range items {
		attrs = append(attrs, Attribute{ID: item.Key.AttributeID, Value: string(item.Value.Data)})
	}
	return Response{Status: StatusSuccess, ObjectID: objectID, Attributes: attrs}
}

func NewExtentsResponse(items []allocator.Item) Response {
	extents := make([]Extent, 0, len(items))
	for _, item := range items {
		extents = append(extents, Extent{Start: item.Key.Start, End: item.Key.End, Refs: item.Value.Refs})
	}
	return Response{Status: StatusSuccess, Extents: extents}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
