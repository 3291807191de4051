// Package model contains the metadata record stored for every identifier. A record
// is one of three variants (Short, File, Code) serialized as JSON with a "type" tag.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
)

// Kind is the value of the "type" tag in the serialized record.
type Kind string

const (
	KindShort Kind = "short"
	KindFile  Kind = "file"
	KindCode  Kind = "code"

	// kindReserved marks an identifier claimed by the allocator whose record has
	// not been written yet.
	kindReserved Kind = "reserved"
)

// ErrReserved is returned by Decode for an identifier that is claimed but not
// yet committed.
var ErrReserved = errors.New("identifier reserved")

// ReservedMarker is the placeholder value written when an identifier is claimed.
var ReservedMarker = []byte(`{"type":"reserved"}`)

// Record is implemented only by Short, File and Code. Consumers switch on the
// concrete type.
type Record interface {
	Kind() Kind
	IsAdmin() bool
	record()
}

// Short is a redirect to Target. It never expires.
type Short struct {
	Target string `json:"target"`
}

// Blob holds the fields shared by the two disk-backed variants.
type Blob struct {
	Admin     bool   `json:"is_admin"`
	Path      string `json:"path"`
	MimeType  string `json:"mimetype"`
	TimeAdded int64  `json:"time_added"`
}

// Added returns TimeAdded as a time.Time.
func (b Blob) Added() time.Time { return time.Unix(b.TimeAdded, 0) }

// File is a binary upload. MimeType holds the sniffed MIME type.
type File struct {
	Blob
}

// Code is a textual upload rendered as a paste. MimeType holds the file
// extension used to pick syntax highlighting, not a MIME type.
type Code struct {
	Blob
}

func (Short) Kind() Kind { return KindShort }
func (File) Kind() Kind  { return KindFile }
func (Code) Kind() Kind  { return KindCode }

func (Short) IsAdmin() bool  { return false }
func (f File) IsAdmin() bool { return f.Admin }
func (c Code) IsAdmin() bool { return c.Admin }

func (Short) record() {}
func (File) record()  {}
func (Code) record()  {}

// BlobOf returns the disk fields of a File or Code record.
func BlobOf(rec Record) (Blob, bool) {
	switch r := rec.(type) {
	case File:
		return r.Blob, true
	case Code:
		return r.Blob, true
	default:
		return Blob{}, false
	}
}

// Encode serializes a record with its type tag.
func Encode(rec Record) ([]byte, error) {
	var v any
	switch r := rec.(type) {
	case Short:
		v = struct {
			Type Kind `json:"type"`
			Short
		}{KindShort, r}
	case File:
		v = struct {
			Type Kind `json:"type"`
			File
		}{KindFile, r}
	case Code:
		v = struct {
			Type Kind `json:"type"`
			Code
		}{KindCode, r}
	default:
		return nil, fmt.Errorf("%w: unknown record %T", cdnerr.ErrSerialization, rec)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cdnerr.ErrSerialization, err)
	}
	return data, nil
}

// Decode parses a stored value. Malformed input wraps cdnerr.ErrSerialization;
// a reservation placeholder yields ErrReserved.
func Decode(data []byte) (Record, error) {
	var tag struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", cdnerr.ErrSerialization, err)
	}
	switch tag.Type {
	case KindShort:
		var s Short
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", cdnerr.ErrSerialization, err)
		}
		if s.Target == "" {
			return nil, fmt.Errorf("%w: short record without target", cdnerr.ErrSerialization)
		}
		return s, nil
	case KindFile:
		var f File
		if err := decodeBlob(data, &f.Blob); err != nil {
			return nil, err
		}
		return f, nil
	case KindCode:
		var c Code
		if err := decodeBlob(data, &c.Blob); err != nil {
			return nil, err
		}
		return c, nil
	case kindReserved:
		return nil, ErrReserved
	default:
		return nil, fmt.Errorf("%w: unknown type %q", cdnerr.ErrSerialization, tag.Type)
	}
}

func decodeBlob(data []byte, b *Blob) error {
	if err := json.Unmarshal(data, b); err != nil {
		return fmt.Errorf("%w: %v", cdnerr.ErrSerialization, err)
	}
	if b.Path == "" {
		return fmt.Errorf("%w: record without path", cdnerr.ErrSerialization)
	}
	return nil
}
