package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// SessionCookieName is the cookie consulted when no bearer token is present.
const SessionCookieName = "sessionToken"

// Principal is the identity a request acts as.
type Principal struct {
	ID           string    `json:"id"`
	Role         string    `json:"role,omitempty"`
	Department   string    `json:"department,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	SessionStart time.Time `json:"session_start,omitempty"`
}

// Request is the already-parsed inbound request every pipeline layer reads.
type Request struct {
	ID            string
	Method        string
	Path          string
	URL           string
	Host          string
	TLS           bool
	Header        http.Header
	Query         url.Values
	Body          []byte
	ContentLength int64
	IP            string
	Country       string
	Principal     *Principal
	ReceivedAt    time.Time
}

// FromHTTP captures r into a Request. At most maxBody bytes of the body are
// kept for inspection; r.Body is restored so downstream handlers still see
// the full payload.
func FromHTTP(r *http.Request, clientIP string, maxBody int64) (*Request, error) {
	req := &Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		URL:           r.URL.RequestURI(),
		Host:          r.Host,
		TLS:           r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		Header:        r.Header.Clone(),
		Query:         r.URL.Query(),
		ContentLength: r.ContentLength,
		IP:            clientIP,
		ReceivedAt:    time.Now(),
	}

	if r.Body != nil && r.Body != http.NoBody && maxBody > 0 {
		head, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = head
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	}

	return req, nil
}

// UserAgent returns the User-Agent header.
func (r *Request) UserAgent() string {
	return r.Header.Get("User-Agent")
}

// SessionToken returns the bearer token, falling back to the session cookie.
func (r *Request) SessionToken() string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	cookie, err := (&http.Request{Header: r.Header}).Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// UserID returns the principal id or "" when the request is anonymous.
func (r *Request) UserID() string {
	if r.Principal == nil {
		return ""
	}
	return r.Principal.ID
}

// ContentField selects a part of the request for Content.
type ContentField string

const (
	FieldURL     ContentField = "url"
	FieldMethod  ContentField = "method"
	FieldHeaders ContentField = "headers"
	FieldQuery   ContentField = "query"
	FieldBody    ContentField = "body"
	FieldPath    ContentField = "path"
)

// Content serializes the selected fields as a JSON object used as the
// haystack for signature matching. HTML escaping is disabled so markup such
// as "<script" survives verbatim. Header names are lowercased.
func (r *Request) Content(fields ...ContentField) string {
	doc := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f {
		case FieldURL:
			doc["url"] = r.URL
		case FieldMethod:
			doc["method"] = r.Method
		case FieldPath:
			doc["path"] = r.Path
		case FieldHeaders:
			headers := make(map[string]string, len(r.Header))
			for name, values := range r.Header {
				headers[strings.ToLower(name)] = strings.Join(values, ", ")
			}
			doc["headers"] = headers
		case FieldQuery:
			query := make(map[string]interface{}, len(r.Query))
			for key, values := range r.Query {
				if len(values) == 1 {
					query[key] = values[0]
				} else {
					query[key] = values
				}
			}
			doc["query"] = query
		case FieldBody:
			switch {
			case len(r.Body) == 0:
				doc["body"] = map[string]interface{}{}
			case json.Valid(r.Body):
				doc["body"] = json.RawMessage(r.Body)
			default:
				doc["body"] = string(r.Body)
			}
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		// Raw body could not be re-encoded; fall back to a plain dump.
		return fallbackContent(r, fields)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func fallbackContent(r *Request, fields []ContentField) string {
	var sb strings.Builder
	for _, f := range fields {
		switch f {
		case FieldURL:
			sb.WriteString(r.URL)
		case FieldMethod:
			sb.WriteString(r.Method)
		case FieldPath:
			sb.WriteString(r.Path)
		case FieldHeaders:
			names := make([]string, 0, len(r.Header))
			for name := range r.Header {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				sb.WriteString(name + ": " + strings.Join(r.Header[name], ", ") + "\n")
			}
		case FieldQuery:
			sb.WriteString(r.Query.Encode())
		case FieldBody:
			sb.Write(r.Body)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
