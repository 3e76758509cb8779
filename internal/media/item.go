package media

import (
	"fmt"
	"net/http"
)

// Kind tags the variant held by an Item.
type Kind int

const (
	KindURL Kind = iota + 1
	KindResponse
	KindBlob
	KindBuffer
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindResponse:
		return "response"
	case KindBlob:
		return "blob"
	case KindBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Item is one unit of input for a stream: a remote reference, a pre-fetched
// response, an in-memory blob with a content type, or a raw byte buffer.
type Item struct {
	kind        Kind
	ref         string
	resp        *http.Response
	data        []byte
	contentType string
}

// URL wraps a remote reference resolved through the byte source.
func URL(ref string) Item {
	return Item{kind: KindURL, ref: ref}
}

// Response wraps an already issued request. The body is read and closed when
// the item is resolved.
func Response(resp *http.Response) Item {
	return Item{kind: KindResponse, resp: resp}
}

// Blob wraps in-memory bytes that carry a declared content type.
func Blob(data []byte, contentType string) Item {
	return Item{kind: KindBlob, data: data, contentType: contentType}
}

// Buffer wraps raw bytes with no content type.
func Buffer(data []byte) Item {
	return Item{kind: KindBuffer, data: data}
}

// URLs converts a list of references into items.
func URLs(refs ...string) []Item {
	items := make([]Item, 0, len(refs))
	for _, ref := range refs {
		items = append(items, URL(ref))
	}
	return items
}

func (i Item) Kind() Kind { return i.kind }
func (i Item) Ref() string { return i.ref }
func (i Item) HTTPResponse() *http.Response { return i.resp }
func (i Item) Data() []byte { return i.data }
func (i Item) ContentType() string { return i.contentType }

// Valid reports whether the item was built through one of the constructors.
func (i Item) Valid() bool {
	switch i.kind {
	case KindURL:
		return i.ref != ""
	case KindResponse:
		return i.resp != nil
	case KindBlob, KindBuffer:
		return true
	default:
		return false
	}
}

// Payload is a resolved item ready for a sink.
type Payload struct {
	Seq         int
	Data        []byte
	ContentType string
}

// PayloadOf converts an in-memory item into a payload without any I/O.
func PayloadOf(item Item) (Payload, bool) {
	switch item.kind {
	case KindBlob, KindBuffer:
		return Payload{Data: item.data, ContentType: item.contentType}, true
	default:
		return Payload{}, false
	}
}
