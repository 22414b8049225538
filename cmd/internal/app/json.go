package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Body errors reported by readBody.
var (
	errEmptyBody  = errors.New("request body is empty")
	errTrailing   = errors.New("request body has data after the JSON object")
	errBodyTooBig = errors.New("request body too large")
	errMalformed  = errors.New("request body is not valid JSON")
)

// problem is the error envelope of every non-2xx JSON response:
//
//	{"error":{"code":"channel_not_found","message":"no live channel for key"}}
type problem struct {
	Error problemDetail `json:"error"`
}

type problemDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respond writes v as JSON with caching disabled.
func respond(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondProblem(w http.ResponseWriter, status int, code, msg string) {
	respond(w, status, problem{Error: problemDetail{Code: code, Message: msg}})
}

// respondBodyError maps a readBody error to 413 or 400.
func respondBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooBig) {
		respondProblem(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	respondProblem(w, http.StatusBadRequest, "bad_request", err.Error())
}

// readBody decodes exactly one JSON object of at most maxBodyBytes into dst.
// Unknown fields are rejected.
func readBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return errBodyTooBig
		case errors.Is(err, io.EOF):
			return errEmptyBody
		default:
			return errors.Join(errMalformed, err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailing
	}
	return nil
}
