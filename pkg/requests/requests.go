package requests

// requests makes HTTP requests to services that reply with JSON

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// FormFile is a file field of a multipart form
type FormFile struct {
	Field    string
	Filename string
	Content  []byte
}

// PostMultipart sends files and fields as a multipart form, and decodes the JSON reply into T.
// Any status other than 2xx is an error that includes the start of the reply body.
func PostMultipart[T any](client *http.Client, url string, files []FormFile, fields map[string]string) (*T, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, f := range files {
		part, err := writer.CreateFormFile(f.Field, f.Filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return do[T](client, req)
}

func do[T any](client *http.Client, req *http.Request) (*T, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%v. %v", resp.Status, string(msg))
	}
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	return &responseObj, nil
}
