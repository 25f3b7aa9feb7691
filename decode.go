package enzyme

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var errStreamDecode = errors.New("stream responses can only be read as io.ReadCloser or any")

func decodeAny(raw *RawResponse, rt ResponseType) (any, error) {
	switch rt {
	case ResponseStream:
		return raw.Stream, nil
	case ResponseText:
		return string(raw.Body), nil
	case ResponseBlob, ResponseBinary:
		return raw.Body, nil
	default:
		if len(raw.Body) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(raw.Body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// decodeInto decodes raw into T. []byte, string, json.RawMessage,
// io.ReadCloser and any are filled directly; every other T is JSON-decoded.
func decodeInto[T any](raw *RawResponse, rt ResponseType) (T, error) {
	var out T
	switch p := any(&out).(type) {
	case *io.ReadCloser:
		*p = raw.Stream
		return out, nil
	case *any:
		v, err := decodeAny(raw, rt)
		*p = v
		return out, err
	}

	if rt == ResponseStream {
		if raw.Stream != nil {
			raw.Stream.Close()
		}
		return out, errStreamDecode
	}

	switch p := any(&out).(type) {
	case *[]byte:
		*p = raw.Body
	case *string:
		*p = string(raw.Body)
	case *json.RawMessage:
		*p = json.RawMessage(raw.Body)
	default:
		if len(raw.Body) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(raw.Body, &out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Client) decodeError(req *Request, raw *RawResponse, err error) *APIError {
	apiErr := newAPIError(CategoryUnknown, raw.Status, fmt.Sprintf("decode %s response body", req.responseType()), err)
	apiErr.Code = "DECODE_ERROR"
	apiErr.Request = req
	apiErr.RequestID = req.Meta.RequestID
	return apiErr
}
