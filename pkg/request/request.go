// Package request models a parsed execution request: the inputs a caller
// supplies for one run of a process, plus how the caller wants the run
// handled (synchronously or not, kept for later inspection or not).
package request

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Mode selects how the acceptor answers a submit.
type Mode string

const (
	// ModeAsync returns a job handle immediately.
	ModeAsync Mode = "async"
	// ModeSync waits for a terminal status (bounded by the sync timeout).
	ModeSync Mode = "sync"
)

// InputKind is the data kind of an input value.
type InputKind string

const (
	KindLiteral     InputKind = "literal"
	KindComplex     InputKind = "complex"
	KindBoundingBox InputKind = "bbox"
)

// Request is a parsed, validated execution request.
//
// Requests are immutable once dispatched; the dispatcher hands the same
// value to the backend and the stored-request record.
type Request struct {
	// Schema is optional and only used for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Identifier string             `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Mode       Mode               `json:"mode,omitempty" yaml:"mode,omitempty"`
	Store      bool               `json:"store,omitempty" yaml:"store,omitempty"`
	Inputs     map[string][]Input `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Input is a single value of a named input.
// Exactly one of Literal, Href, Data or BBox is set.
type Input struct {
	Literal  *Literal `json:"literal,omitempty" yaml:"literal,omitempty"`
	UOM      string   `json:"uom,omitempty" yaml:"uom,omitempty"`
	Href     string   `json:"href,omitempty" yaml:"href,omitempty"`
	Data     *string  `json:"data,omitempty" yaml:"data,omitempty"`
	MimeType string   `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	BBox     *BBox    `json:"bbox,omitempty" yaml:"bbox,omitempty"`
}

// BBox is a bounding box in the given CRS.
type BBox struct {
	CRS   string    `json:"crs,omitempty" yaml:"crs,omitempty"`
	Lower []float64 `json:"lower" yaml:"lower"`
	Upper []float64 `json:"upper" yaml:"upper"`
}

// Literal is a literal input value. Numbers and booleans are kept in their
// textual form.
type Literal string

// UnmarshalJSON accepts JSON strings, numbers and booleans.
func (l *Literal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Literal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*l = Literal(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*l = Literal(strconv.FormatBool(b))
		return nil
	}
	return fmt.Errorf("literal must be a string, number or boolean: %s", string(data))
}

// String returns the literal text.
func (l Literal) String() string {
	return string(l)
}

// Float parses the literal as a number.
func (l Literal) Float() (float64, error) {
	return strconv.ParseFloat(string(l), 64)
}

// Kind reports which kind of value the input carries.
func (i Input) Kind() InputKind {
	switch {
	case i.Literal != nil:
		return KindLiteral
	case i.BBox != nil:
		return KindBoundingBox
	default:
		return KindComplex
	}
}

// NewLiteral builds a literal input.
func NewLiteral(v string) Input {
	l := Literal(v)
	return Input{Literal: &l}
}

// NewHref builds a complex input by reference.
func NewHref(href, mimeType string) Input {
	return Input{Href: href, MimeType: mimeType}
}

// NewData builds an inline complex input.
func NewData(data, mimeType string) Input {
	return Input{Data: &data, MimeType: mimeType}
}

// EffectiveMode returns the request mode, defaulting to async.
func (r *Request) EffectiveMode() Mode {
	if r == nil || r.Mode == "" {
		return ModeAsync
	}
	return r.Mode
}

// First returns the first value of the named input.
func (r *Request) First(id string) (Input, bool) {
	if r == nil {
		return Input{}, false
	}
	values := r.Inputs[id]
	if len(values) == 0 {
		return Input{}, false
	}
	return values[0], true
}

// LiteralValue returns the first literal value of the named input or def.
func (r *Request) LiteralValue(id, def string) string {
	in, ok := r.First(id)
	if !ok || in.Literal == nil {
		return def
	}
	return in.Literal.String()
}

// InputIDs returns input names in sorted order.
func (r *Request) InputIDs() []string {
	ids := make([]string, 0, len(r.Inputs))
	for id := range r.Inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy so a dispatched job never shares mutable state
// with the caller.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := &Request{Schema: r.Schema, Identifier: r.Identifier, Mode: r.Mode, Store: r.Store}
	if r.Inputs != nil {
		out.Inputs = make(map[string][]Input, len(r.Inputs))
		for id, values := range r.Inputs {
			cp := make([]Input, len(values))
			for i, v := range values {
				cp[i] = v.clone()
			}
			out.Inputs[id] = cp
		}
	}
	return out
}

func (i Input) clone() Input {
	out := i
	if i.Literal != nil {
		l := *i.Literal
		out.Literal = &l
	}
	if i.Data != nil {
		d := *i.Data
		out.Data = &d
	}
	if i.BBox != nil {
		b := *i.BBox
		b.Lower = append([]float64(nil), i.BBox.Lower...)
		b.Upper = append([]float64(nil), i.BBox.Upper...)
		out.BBox = &b
	}
	return out
}

// Marshal encodes the request as JSON, the form used for bundles and
// stored requests.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
