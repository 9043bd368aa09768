package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MapColonies/arstotzka/api"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeRequest reads a bounded JSON body into dst and reports decode
// failures as invalid_request.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{allowEmpty: allowEmpty, disallowUnknowns: true}); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: api.CodeInvalidRequest, Detail: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)}
		}
		if errors.Is(err, io.EOF) {
			return invalid("request body is required")
		}
		return invalid("invalid JSON body: %v", err)
	}
	return nil
}

// parseActionFilter reads GET /action query parameters. status may be given
// repeatedly or as a comma separated list.
func parseActionFilter(q url.Values) (api.ActionFilter, error) {
	var filter api.ActionFilter
	for key := range q {
		switch key {
		case "service", "rotation", "parentRotation", "status", "limit", "sort":
		default:
			return filter, invalid("unknown query parameter %q", key)
		}
	}
	filter.Service = strings.TrimSpace(q.Get("service"))
	if raw := q.Get("rotation"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, invalid("rotation must be an integer")
		}
		filter.Rotation = &v
	}
	if raw := q.Get("parentRotation"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, invalid("parentRotation must be an integer")
		}
		filter.ParentRotation = &v
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st := api.ActionStatus(part)
			if !st.Valid() {
				return filter, invalid("unknown status %q", part)
			}
			filter.Status = append(filter.Status, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return filter, invalid("limit must be a positive integer")
		}
		filter.Limit = v
	}
	switch sort := api.SortOrder(strings.ToLower(q.Get("sort"))); sort {
	case "":
	case api.SortAsc, api.SortDesc:
		filter.Sort = sort
	default:
		return filter, invalid("sort must be asc or desc")
	}
	return filter, nil
}
