package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	codeInvalidClient = "invalid_client"
	codeSlowDown      = "slow_down"
	codeServerError   = "server_error"
)

// maxBodyBytes bounds request bodies on every endpoint.
const maxBodyBytes = 64 << 10

// errorResponse is the RFC 6749 section 5.2 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to write json response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, description string) {
	writeJSON(w, r, status, errorResponse{Error: code, ErrorDescription: description})
}

// params reads a form or JSON request body into a flat parameter map.
// Repeated form values and JSON string arrays are joined with spaces, the
// same way multi-valued audience and scope are expressed on the wire.
func params(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		out := make(map[string]string, len(r.PostForm))
		for k, vs := range r.PostForm {
			out[k] = strings.Join(vs, " ")
		}
		return out, nil
	case "application/json":
		var raw map[string]json.RawMessage
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		if dec.More() {
			return nil, errors.New("extra data in request body")
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			s, err := jsonParam(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", k, err)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func jsonParam(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	switch {
	case len(v) == 0 || string(v) == "null":
		return "", nil
	case v[0] == '"':
		var s string
		err := json.Unmarshal(v, &s)
		return s, err
	case v[0] == '[':
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			return "", err
		}
		return strings.Join(list, " "), nil
	case v[0] == '{':
		return "", errors.New("objects are not supported")
	case v[0] == 't' || v[0] == 'f':
		return string(v), nil
	default:
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return "", err
		}
		return integral(n), nil
	}
}

// integral renders numbers such as 3600.0 or 3.6e3 as plain integers.
// Anything else keeps its literal form.
func integral(n json.Number) string {
	if _, err := n.Int64(); err == nil {
		return n.String()
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return n.String()
	}
	return strconv.FormatInt(int64(f), 10)
}
