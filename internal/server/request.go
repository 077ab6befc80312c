package server

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/chaz8081/keytyper/internal/inject"
	"github.com/chaz8081/keytyper/internal/queue"
)

// ErrMalformedRequest is returned for bodies that are not a JSON object
// with a string "text" field. Such requests never reach the queue.
var ErrMalformedRequest = errors.New("malformed request")

// TranscriptionRequest is a validated POST / body.
type TranscriptionRequest struct {
	Text string
	// Wait asks the server to answer only after the job has finished.
	Wait bool
}

// ParseRequest validates body and extracts the request.
func ParseRequest(body []byte) (TranscriptionRequest, error) {
	var req TranscriptionRequest

	if !utf8.Valid(body) {
		return req, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedRequest)
	}
	if !gjson.ValidBytes(body) {
		return req, fmt.Errorf("%w: body is not valid JSON", ErrMalformedRequest)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return req, fmt.Errorf("%w: body must be a JSON object", ErrMalformedRequest)
	}

	text := root.Get("text")
	if !text.Exists() {
		return req, fmt.Errorf("%w: missing \"text\"", ErrMalformedRequest)
	}
	if text.Type != gjson.String {
		return req, fmt.Errorf("%w: \"text\" must be a string, got %s", ErrMalformedRequest, text.Type)
	}
	req.Text = text.String()

	if wait := root.Get("wait"); wait.Exists() {
		if !wait.IsBool() {
			return req, fmt.Errorf("%w: \"wait\" must be a boolean", ErrMalformedRequest)
		}
		req.Wait = wait.Bool()
	}

	return req, nil
}

type skipJSON struct {
	Index int    `json:"index"`
	Char  string `json:"char"`
}

// jobBody is the acknowledgement sent once a job is admitted.
func jobBody(job *queue.Job, state queue.State) []byte {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "id", job.ID())
	body, _ = sjson.SetBytes(body, "seq", job.Seq())
	body, _ = sjson.SetBytes(body, "state", state.String())
	return body
}

// resultBody describes a finished job.
func resultBody(job *queue.Job, res *inject.Result, err error) []byte {
	body := jobBody(job, job.State())

	delivered := job.Delivered()
	skipped := []skipJSON{}
	if res != nil {
		delivered = res.Delivered
		for _, s := range res.Skipped {
			skipped = append(skipped, skipJSON{Index: s.Index, Char: s.Char})
		}
	}
	body, _ = sjson.SetBytes(body, "delivered", delivered)
	body, _ = sjson.SetBytes(body, "skipped", skipped)
	if err != nil {
		body, _ = sjson.SetBytes(body, "error", err.Error())
	}
	return body
}
