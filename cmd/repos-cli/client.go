package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const defaultServer = "http://localhost:8080"

// client talks to a repos server. Admin calls carry the bearer token,
// read calls carry the basic-auth pair when one is set.
type client struct {
	server   string
	token    string
	username string
	password string
	http     *http.Client
}

func (c *client) url(path string, query url.Values) string {
	u := strings.TrimRight(c.server, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *client) newRequest(method, path string, query url.Values, body io.Reader, admin bool) (*http.Request, error) {
	req, err := http.NewRequest(method, c.url(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if admin {
		if c.token == "" {
			return nil, fmt.Errorf("--token is required")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// do sends req and turns any non-2xx answer into an error.
func (c *client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%s", formatHTTPError(resp))
	}
	return resp, nil
}

func (c *client) getJSON(path string, query url.Values, admin bool, v any) error {
	req, err := c.newRequest(http.MethodGet, path, query, nil, admin)
	if err != nil {
		return err
	}
	return c.sendJSON(req, v)
}

func (c *client) sendJSON(req *http.Request, v any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// multipartForm encodes fields and an optional file. Repeated fields are
// written once per value.
func multipartForm(fields url.Values, fileField, filePath string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, values := range fields {
		for _, v := range values {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
	}
	if filePath != "" {
		f, err := os.Open(filePath)
		if err != nil {
			return nil, "", fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()
		fw, err := mw.CreateFormFile(fileField, filepath.Base(filePath))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, f); err != nil {
			return nil, "", fmt.Errorf("reading file: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func formatHTTPError(resp *http.Response) string {
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		return fmt.Sprintf("error (%d): %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Sprintf("error (%d): %s", resp.StatusCode, payload.Message)
	}
	return fmt.Sprintf("error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
