package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/foundry/repos/internal/core/models"
	"github.com/foundry/repos/internal/core/services"
)

// maxFormMemory is how much of a multipart body is kept in memory; the rest
// of an upload spills to temporary files.
const maxFormMemory = 32 << 20

// parseForm accepts both multipart and urlencoded bodies.
func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxFormMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		return fmt.Errorf("%w: decoding form: %v", services.ErrValidation, err)
	}
	return nil
}

// formFile reads an uploaded file field. A missing field yields nil data.
func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", services.ErrValidation, field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", field, err)
	}
	return data, nil
}

// formList collects the non-blank values of a repeated field.
func formList(r *http.Request, field string) []string {
	var out []string
	for _, v := range r.Form[field] {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func formBool(r *http.Request, field string, def bool) (bool, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", services.ErrValidation, field)
	}
	return b, nil
}

// parseURLTags turns "tag:url" entries into a map. The first colon splits,
// so URLs with schemes survive.
func parseURLTags(values []string) (map[string]string, error) {
	tags := make(map[string]string, len(values))
	for _, v := range values {
		tag, url, ok := strings.Cut(v, ":")
		if !ok || tag == "" {
			return nil, fmt.Errorf("%w: url tag %q must be in the form tag:url", services.ErrValidation, v)
		}
		tags[tag] = url
	}
	return tags, nil
}

// publishRequest decodes the publish form.
func publishRequest(r *http.Request) (services.PublishRequest, error) {
	if err := parseForm(r); err != nil {
		return services.PublishRequest{}, err
	}

	req := services.PublishRequest{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Version:     strings.TrimSpace(r.FormValue("version")),
		Branch:      strings.TrimSpace(r.FormValue("branch")),
		Tags:        formList(r, "tags"),
		URL:         r.FormValue("url"),
		Identifier:  r.FormValue("identifier"),
		Type:        r.FormValue("type"),
		ContentType: r.FormValue("content_type"),
	}
	if req.Name == "" {
		return req, fmt.Errorf("%w: name is required", services.ErrValidation)
	}
	if req.Version == "" {
		return req, fmt.Errorf("%w: version is required", services.ErrValidation)
	}

	var err error
	if req.Replace, err = formBool(r, "replace", true); err != nil {
		return req, err
	}
	if req.URLTags, err = parseURLTags(formList(r, "url_tags")); err != nil {
		return req, err
	}
	if raw := r.FormValue("info"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Info); err != nil {
			return req, fmt.Errorf("%w: info must be a JSON object: %v", services.ErrValidation, err)
		}
	}
	if req.Data, err = formFile(r, "contents"); err != nil {
		return req, err
	}
	return req, nil
}

func queryInt(r *http.Request, field string) (int, error) {
	v := r.URL.Query().Get(field)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", services.ErrValidation, field)
	}
	return n, nil
}

func pageParams(r *http.Request) (skip, limit int, err error) {
	if skip, err = queryInt(r, "skip"); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	return skip, limit, nil
}

func packageQuery(r *http.Request) (models.PackageQuery, error) {
	skip, limit, err := pageParams(r)
	if err != nil {
		return models.PackageQuery{}, err
	}
	q := r.URL.Query()
	return models.PackageQuery{
		Search: q.Get("search"),
		Type:   q.Get("type"),
		Sort:   q.Get("sort"),
		Skip:   skip,
		Limit:  limit,
	}, nil
}
