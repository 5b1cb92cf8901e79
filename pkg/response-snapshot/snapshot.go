package snapshot

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Agent-Stored-At"

// Snapshot is a stored response: status, headers and body, together with
// the time it was written to the store.
type Snapshot struct {
	Response *http.Response
	StoredAt time.Time
}

// FromResponse creates a snapshot of the given response, stamped with the
// current time.
func FromResponse(res *http.Response) Snapshot {
	return Snapshot{Response: res, StoredAt: time.Now()}
}

// Bytes returns the wire representation of the snapshot.
// The response body is fully read and then restored, so the caller can
// still send the response onwards after encoding.
// The stored-at time travels in a private header that is stripped on decode.
func (s Snapshot) Bytes() ([]byte, error) {
	res := s.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.Unix(), 10))
	bts, err := responseToBytes(res)
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// FromBytes decodes a snapshot previously encoded with Bytes.
func FromBytes(b []byte) (Snapshot, error) {
	s := Snapshot{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return s, err
	}
	s.Response = res
	if at, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		s.StoredAt = time.Unix(at, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return s, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is consumed in the process and set back afterwards.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}
