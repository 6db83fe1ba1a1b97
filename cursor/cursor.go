// Package cursor provides pagination cursors for the remote CRM's list
// endpoints. The remote paginates by offset or page number and declares a
// page-size ceiling; cursors clamp to it. Wire form is a typed JSON union so
// incremental-sync checkpoints survive restarts.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	KindOffset = "offset"
	KindPage   = "page"
	KindTime   = "time"
)

// MaxPageSize is the server-declared page size ceiling.
const MaxPageSize = 200

// Cursor positions a paginated list request.
type Cursor interface {
	Kind() string

	// QueryParams renders the cursor as request query parameters.
	QueryParams() map[string]string

	// Advance returns the cursor for the next page given how many records the
	// current page returned. ok is false once the listing is exhausted.
	Advance(received int) (next Cursor, ok bool)
}

// Codec marshals cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Cursor, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 4 * 1024

// WireCursor is the typed union for persistence and transport.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if wc == nil {
		return nil, errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return nil, fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	codec, ok := Lookup(wc.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return codec.Unmarshal(wc.Data)
}

// clampPageSize applies the server ceiling and a sane default.
func clampPageSize(size int) int {
	if size <= 0 {
		return MaxPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}

// OffsetCursor walks a list endpoint with limit/offset parameters.
type OffsetCursor struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (OffsetCursor) Kind() string { return KindOffset }

func (c OffsetCursor) QueryParams() map[string]string {
	return map[string]string{
		"limit":  strconv.Itoa(clampPageSize(c.Limit)),
		"offset": strconv.Itoa(c.Offset),
	}
}

func (c OffsetCursor) Advance(received int) (Cursor, bool) {
	limit := clampPageSize(c.Limit)
	if received < limit {
		return nil, false
	}
	return OffsetCursor{Offset: c.Offset + received, Limit: limit}, true
}

// PageCursor walks a list endpoint with page/page_size parameters.
// Pages are 1-based on the wire.
type PageCursor struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (PageCursor) Kind() string { return KindPage }

func (c PageCursor) QueryParams() map[string]string {
	page := c.Page
	if page < 1 {
		page = 1
	}
	return map[string]string{
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(clampPageSize(c.PageSize)),
	}
}

func (c PageCursor) Advance(received int) (Cursor, bool) {
	size := clampPageSize(c.PageSize)
	if received < size {
		return nil, false
	}
	page := c.Page
	if page < 1 {
		page = 1
	}
	return PageCursor{Page: page + 1, PageSize: size}, true
}

// TimeCursor is the incremental-sync checkpoint: fetch records modified since
// the high-water mark. Listing still pages by offset underneath.
type TimeCursor struct {
	Since  time.Time `json:"since"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
}

func (TimeCursor) Kind() string { return KindTime }

func (c TimeCursor) QueryParams() map[string]string {
	params := map[string]string{
		"limit":  strconv.Itoa(clampPageSize(c.Limit)),
		"offset": strconv.Itoa(c.Offset),
	}
	if !c.Since.IsZero() {
		params["modified_since"] = c.Since.UTC().Format(time.RFC3339)
	}
	return params
}

func (c TimeCursor) Advance(received int) (Cursor, bool) {
	limit := clampPageSize(c.Limit)
	if received < limit {
		return nil, false
	}
	return TimeCursor{Since: c.Since, Offset: c.Offset + received, Limit: limit}, true
}

type offsetCodec struct{}

func (offsetCodec) Kind() string { return KindOffset }
func (offsetCodec) Marshal(c Cursor) (json.RawMessage, error) {
	oc, ok := c.(OffsetCursor)
	if !ok {
		return nil, fmt.Errorf("offset codec cannot marshal %T", c)
	}
	return json.Marshal(oc)
}
func (offsetCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var oc OffsetCursor
	if err := json.Unmarshal(data, &oc); err != nil {
		return nil, err
	}
	return oc, nil
}

type pageCodec struct{}

func (pageCodec) Kind() string { return KindPage }
func (pageCodec) Marshal(c Cursor) (json.RawMessage, error) {
	pc, ok := c.(PageCursor)
	if !ok {
		return nil, fmt.Errorf("page codec cannot marshal %T", c)
	}
	return json.Marshal(pc)
}
func (pageCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var pc PageCursor
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, err
	}
	return pc, nil
}

type timeCodec struct{}

func (timeCodec) Kind() string { return KindTime }
func (timeCodec) Marshal(c Cursor) (json.RawMessage, error) {
	tc, ok := c.(TimeCursor)
	if !ok {
		return nil, fmt.Errorf("time codec cannot marshal %T", c)
	}
	return json.Marshal(tc)
}
func (timeCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var tc TimeCursor
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, err
	}
	return tc, nil
}

func init() {
	Register(offsetCodec{})
	Register(pageCodec{})
	Register(timeCodec{})
}
