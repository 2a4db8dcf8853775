// Package jsonapi renders the JSON:API style envelope shared by the stockmesh services.
package jsonapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const MediaType = "application/vnd.api+json"

// maxBodyBytes bounds request bodies read by DecodeData.
const maxBodyBytes = 1 << 20

// Document is the top-level envelope. Exactly one of Data or Errors is set.
type Document struct {
	Data   any            `json:"data,omitempty"`
	Errors []Error        `json:"errors,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
	Links  *Links         `json:"links,omitempty"`
}

type Resource struct {
	Type          string                  `json:"type"`
	ID            int64                   `json:"id"`
	Attributes    any                     `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Links         *Links                  `json:"links,omitempty"`
}

type Relationship struct {
	Data  any    `json:"data"`
	Links *Links `json:"links,omitempty"`
}

type Links struct {
	Self    string `json:"self,omitempty"`
	Related string `json:"related,omitempty"`
	First   string `json:"first,omitempty"`
	Prev    string `json:"prev,omitempty"`
	Next    string `json:"next,omitempty"`
	Last    string `json:"last,omitempty"`
}

type Error struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

func NewError(status int, code, title, detail string) Error {
	return Error{
		Status: strconv.Itoa(status),
		Code:   code,
		Title:  title,
		Detail: detail,
	}
}

// Write encodes doc with the JSON:API media type.
func Write(w http.ResponseWriter, status int, doc Document) {
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

// WriteError writes a single-error document whose HTTP status matches the error's.
func WriteError(w http.ResponseWriter, status int, code, title, detail string) {
	Write(w, status, Document{Errors: []Error{NewError(status, code, title, detail)}})
}

// DecodeData reads a {"data": {...}} body into dst. The payload may be the bare
// attribute object or a resource object carrying an "attributes" member.
func DecodeData(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body is empty")
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return errors.New(`missing "data" member`)
	}

	payload := envelope.Data
	var resource struct {
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(envelope.Data, &resource); err == nil && len(resource.Attributes) > 0 {
		payload = resource.Attributes
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

// PageMeta builds the pagination metadata block.
func PageMeta(number, size, totalPages int, totalElements int64, hasNext, hasPrevious bool) map[string]any {
	return map[string]any{
		"totalPages":    totalPages,
		"totalElements": totalElements,
		"currentPage":   number,
		"pageSize":      size,
		"hasNext":       hasNext,
		"hasPrevious":   hasPrevious,
	}
}

// PageLinks derives self/first/prev/next/last links from the request URL,
// keeping every other query parameter intact.
func PageLinks(u *url.URL, number, size, totalPages int) *Links {
	at := func(page int) string {
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
		return u.Path + "?" + q.Encode()
	}

	last := totalPages - 1
	if last < 0 {
		last = 0
	}
	links := &Links{
		Self:  at(number),
		First: at(0),
		Last:  at(last),
	}
	if number > 0 {
		links.Prev = at(number - 1)
	}
	if number+1 < totalPages {
		links.Next = at(number + 1)
	}
	return links
}
